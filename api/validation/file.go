package validation

import (
	"mime/multipart"
	"path/filepath"
	"strings"
)

// Model files are opaque binary archives, so validation is limited to
// name and size; content is the engine's problem.
var allowedExtensions = map[string]bool{
	".mph": true,
}

func CheckUpload(header *multipart.FileHeader, maxSize int64) error {
	if header.Filename == "" {
		return ErrEmptyFilename
	}

	if header.Size > maxSize {
		return ErrFileTooLarge
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return ErrInvalidFileType
	}

	return nil
}
