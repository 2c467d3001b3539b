// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/permits"
	"github.com/permitdesk/permitdesk/internal/shared"
)

// Sentinel errors for handler-level failures.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, permits.ErrNotFound), errors.Is(err, access.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, permits.ErrDuplicateCode), errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, permits.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, permits.ErrInvalidInput),
		errors.Is(err, permits.ErrInvalidStatus), errors.Is(err, access.ErrInvalidPage), errors.Is(err, access.ErrInvalidRole):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, access.ErrPermissionDenied):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized), errors.Is(err, access.ErrIdentityUnavailable),
		errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, shared.ErrSessionMissing):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, permits.ErrTransitionPersistFailed):
		Problem(w, http.StatusServiceUnavailable, "Not Saved", "the status change could not be saved; nothing was changed")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
