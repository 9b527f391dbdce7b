// Package util - Helpers for feeding image files to the counter.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// SupportedImageExtensions lists the file extensions the normalizer can decode.
var SupportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
}

// IsImageFile reports whether name carries a supported image extension, ignoring case.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, supported := range SupportedImageExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Subdirectories and files without a supported extension are skipped.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile sorted by path, each holding the raw bytes of an image file.
// - error: Error if the directory or one of its images cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read image directory")
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", path)
		}
		files = append(files, ImageFile{Path: path, Data: data})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}
