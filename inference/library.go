package inference

import (
	"os"
	"path/filepath"
	"runtime"
)

// SharedLibraryEnv names the environment variable consulted for the onnxruntime library.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetSharedLibPath returns the path to the onnxruntime shared library.
//
// The configured path wins, then SharedLibraryEnv, then the platform default under
// third_party/.
//
// Arguments:
//   - configured: The path from the configuration, may be empty.
//
// Returns:
//   - string: The path to the shared library.
func GetSharedLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(SharedLibraryEnv); env != "" {
		return env
	}
	return defaultSharedLibPath(runtime.GOOS, runtime.GOARCH)
}

func defaultSharedLibPath(goos, goarch string) string {
	dir := "third_party"
	switch goos {
	case "windows":
		return filepath.Join(dir, "onnxruntime.dll")
	case "darwin":
		return filepath.Join(dir, "libonnxruntime.dylib")
	default:
		if goarch == "arm64" {
			return filepath.Join(dir, "onnxruntime_arm64.so")
		}
		return filepath.Join(dir, "onnxruntime.so")
	}
}
