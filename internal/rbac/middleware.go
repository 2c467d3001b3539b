// Package rbac gates HTTP routes with the resolved access profile held in
// the request session.
package rbac

import (
	"log/slog"
	"net/http"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/platform/httpx"
	"github.com/permitdesk/permitdesk/internal/shared"
)

// Middleware wires access checks for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// RequireAuth rejects requests without a signed-in profile.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.ProfileFromContext(r.Context()) == nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePage ensures the current profile may perform action on page.
func (m Middleware) RequirePage(page access.PageID, action access.PageAction) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile := shared.ProfileFromContext(r.Context())
			if profile == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			if !access.Allowed(profile, page, action) {
				m.denied(r, string(profile.Identity()), string(page)+":"+string(action))
				httpx.Problem(w, http.StatusForbidden, "Forbidden", access.ErrPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the current profile holds at least one capability.
func (m Middleware) RequireAny(caps ...access.Capability) func(http.Handler) http.Handler {
	return m.requireCapabilities(caps, false)
}

// RequireAll ensures the current profile holds every capability.
func (m Middleware) RequireAll(caps ...access.Capability) func(http.Handler) http.Handler {
	return m.requireCapabilities(caps, true)
}

func (m Middleware) requireCapabilities(caps []access.Capability, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(caps) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			profile := shared.ProfileFromContext(r.Context())
			if profile == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			if !hasCapabilities(profile, caps, all) {
				m.denied(r, string(profile.Identity()), "capability")
				httpx.Problem(w, http.StatusForbidden, "Forbidden", access.ErrPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasCapabilities(profile *access.ResolvedProfile, caps []access.Capability, all bool) bool {
	for _, c := range caps {
		ok := access.HasCapability(profile, c)
		if ok && !all {
			return true
		}
		if !ok && all {
			return false
		}
	}
	return all
}

func (m Middleware) denied(r *http.Request, identity, what string) {
	if m.Logger == nil {
		return
	}
	m.Logger.Info("access denied",
		slog.String("identity", identity),
		slog.String("required", what),
		slog.String("path", r.URL.Path))
}
