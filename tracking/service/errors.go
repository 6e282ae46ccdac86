package service

import "errors"

var (
	ErrExhaustedCodespace = errors.New("no free session code found")
	ErrDuplicateCode      = errors.New("session code already exists")
	ErrUnknownSession     = errors.New("unknown session")
	ErrInvalidCoordinate  = errors.New("invalid coordinate")
	ErrStoreUnavailable   = errors.New("session store unavailable")
	ErrNoPosition         = errors.New("no position recorded for session")
)

// IsRetryable reports whether err is a transient store failure the caller may
// retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
