package blob

import "errors"

// Backend error types.
var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrAccessDenied  = errors.New("access denied by backend")
	ErrUnavailable   = errors.New("storage backend unavailable")
	ErrCopyFailed    = errors.New("server-side copy failed")
)
