package model

import "errors"

// Error taxonomy. The first two reject a submission synchronously; conversion
// and storage failures surface through the task record; ErrTaskNotFound maps
// to 404 on the status and download endpoints.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file exceeds maximum allowed size")
	ErrTaskNotFound      = errors.New("task not found")
	ErrConversionFailed  = errors.New("conversion failed")
	ErrStorageWrite      = errors.New("storage write failed")
)
