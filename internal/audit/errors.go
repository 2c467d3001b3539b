package audit

import "errors"

var (
	// ErrWriteFailed wraps any failure to append a history entry.
	ErrWriteFailed = errors.New("audit: history write failed")
	// ErrInvalidEntry flags entries missing a subject or action.
	ErrInvalidEntry = errors.New("audit: entry requires subject and action")
)
