package access

import "errors"

var (
	// ErrIdentityUnavailable indicates there is no authenticated user.
	ErrIdentityUnavailable = errors.New("access: identity unavailable")
	// ErrNotFound indicates the store holds no row for the identity.
	ErrNotFound = errors.New("access: not found")
	// ErrPermissionFetchFailed wraps store read errors recovered with role defaults.
	ErrPermissionFetchFailed = errors.New("access: permission fetch failed")
	// ErrPermissionWriteFailed wraps seeding errors; the session keeps its in-memory defaults.
	ErrPermissionWriteFailed = errors.New("access: permission write failed")
	// ErrPermissionDenied indicates the actor lacks the required flag.
	ErrPermissionDenied = errors.New("access: permission denied")
	// ErrInvalidPage indicates a page outside the known set.
	ErrInvalidPage = errors.New("access: invalid page")
	// ErrInvalidRole indicates a role outside the closed set.
	ErrInvalidRole = errors.New("access: invalid role")
)
