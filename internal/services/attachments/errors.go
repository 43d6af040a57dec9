package attachments

import "errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("attachment not found")
	ErrBackendUnavailable  = errors.New("storage backend unavailable")
	ErrUpstream            = errors.New("upstream failure")
	ErrScanRejected        = errors.New("rejected by antivirus")
	ErrThumbnailTransition = errors.New("thumbnail state transition not allowed")
	ErrDuplicateLocation   = errors.New("object already recorded")
)
