package permits

import "errors"

var (
	// ErrNotFound indicates the permit does not exist.
	ErrNotFound = errors.New("permits: not found")
	// ErrInvalidStatus indicates a status outside the known set.
	ErrInvalidStatus = errors.New("permits: invalid status")
	// ErrInvalidTransition indicates the workflow does not allow the move.
	ErrInvalidTransition = errors.New("permits: invalid transition")
	// ErrTransitionPersistFailed indicates the new status was not saved. The
	// permit is left unchanged.
	ErrTransitionPersistFailed = errors.New("permits: transition persist failed")
	// ErrAuditWriteFailed is a warning: the status changed but its history entry
	// was not confirmed.
	ErrAuditWriteFailed = errors.New("permits: audit write failed")
	// ErrDuplicateCode indicates another permit already uses the code.
	ErrDuplicateCode = errors.New("permits: duplicate permit code")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("permits: invalid input")
)
