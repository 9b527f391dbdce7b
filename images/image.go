package images

import (
	"bytes"
	"image"

	// Decoders registered with the image package so imaging.Decode can read them.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

var (
	// ErrImageDecode is returned when the input bytes are not a decodable raster.
	ErrImageDecode = errors.New("image decode error")
	// ErrInvalidDimension is returned when a target size is not a positive integer.
	ErrInvalidDimension = errors.New("invalid dimension")
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants are the names reported by the registered decoders.
const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatGIF  ImageFormat = "gif"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
	FormatWebP ImageFormat = "webp"
)

// DetectFormat reports the format of an encoded image without decoding the pixels.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - ImageFormat: The detected format.
//   - error: ErrImageDecode if no registered decoder recognizes the data.
func DetectFormat(data []byte) (ImageFormat, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrapf(ErrImageDecode, "detect format: %v", err)
	}
	return ImageFormat(format), nil
}

// Decode decodes an encoded raster, applying the EXIF orientation when present.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: ErrImageDecode if the bytes cannot be decoded.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrImageDecode, "empty image data")
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(ErrImageDecode, "decode %d bytes: %v", len(data), err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.Wrapf(ErrImageDecode, "empty raster %dx%d", bounds.Dx(), bounds.Dy())
	}

	return img, nil
}
