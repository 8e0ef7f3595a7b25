// Package imagefile validates local image inputs before they are uploaded.
package imagefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var supportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path '%s': %w", path, err)
	}
	return abs, nil
}

// Validate expands the path and checks that it points at an existing,
// readable image file of a supported format (png/jpg/jpeg/gif). The file
// content is sniffed as well; the extension alone is not trusted.
// Returns the expanded absolute path.
func Validate(path string) (string, error) {
	abs, err := ExpandPath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("image file not found: %s", abs)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", abs)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if !supportedExtensions[ext] {
		return "", fmt.Errorf("unsupported image format '%s' (supported: png, jpg, jpeg, gif): %s", ext, abs)
	}

	mime, err := mimetype.DetectFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read image file %s: %w", abs, err)
	}
	if !strings.HasPrefix(mime.String(), "image/") {
		return "", fmt.Errorf("file content is %s, not an image: %s", mime.String(), abs)
	}

	return abs, nil
}

// IsSupported reports whether a filename has a supported image extension.
// Used by the batch workflow to pick files out of a directory.
func IsSupported(name string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(name))]
}
