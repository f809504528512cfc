package validation

import "errors"

var (
	ErrInvalidFileType = errors.New("invalid file type, only .mph files are allowed")
	ErrFileTooLarge    = errors.New("file size exceeds the upload limit")
	ErrEmptyFilename   = errors.New("no file selected")
)
