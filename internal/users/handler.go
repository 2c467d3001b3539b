package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/platform/httpx"
	"github.com/permitdesk/permitdesk/internal/rbac"
	"github.com/permitdesk/permitdesk/internal/shared"
)

// Handler manages user administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePage(access.PageUsers, access.ActionView))
		r.Get("/", h.listUsers)
		r.Get("/{identity}", h.showUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(access.CapManageUsers))
		r.Put("/{identity}/role", h.changeRole)
		r.Put("/{identity}/access", h.replaceAccess)
		r.Put("/{identity}/capabilities", h.replaceCapabilities)
	})
}

type roleRequest struct {
	Role string `json:"role" validate:"required"`
}

type accessRequest struct {
	Pages []access.PageAccessEntry `json:"pages" validate:"required,min=1,dive"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context(), shared.ProfileFromContext(r.Context()))
	if err != nil {
		h.fail(w, "list users failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Detail(r.Context(), shared.ProfileFromContext(r.Context()), identityParam(r))
	if err != nil {
		h.fail(w, "load user failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	user, err := h.service.ChangeRole(r.Context(), shared.ProfileFromContext(r.Context()), identityParam(r), access.Role(req.Role))
	if err != nil {
		h.fail(w, "change role failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) replaceAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ReplaceAccess(r.Context(), shared.ProfileFromContext(r.Context()), identityParam(r), req.Pages); err != nil {
		h.fail(w, "replace access failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replaceCapabilities(w http.ResponseWriter, r *http.Request) {
	var flags access.CapabilityFlags
	if err := httpx.DecodeJSON(w, r, &flags); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ReplaceCapabilities(r.Context(), shared.ProfileFromContext(r.Context()), identityParam(r), flags); err != nil {
		h.fail(w, "replace capabilities failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Warn(msg, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func identityParam(r *http.Request) access.Identity {
	return access.Identity(chi.URLParam(r, "identity"))
}
