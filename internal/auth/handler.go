package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/platform/httpx"
	"github.com/permitdesk/permitdesk/internal/session"
	"github.com/permitdesk/permitdesk/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	resolver       session.ProfileResolver
	permits        session.PermitService
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver session.ProfileResolver, permits session.PermitService, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		resolver:       resolver,
		permits:        permits,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
	r.Post("/refresh", h.handleRefresh)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type profileResponse struct {
	Profile      *access.ResolvedProfile `json:"profile"`
	VisiblePages []access.PageID         `json:"visible_pages"`
	Warnings     []string                `json:"warnings,omitempty"`
	CSRFToken    string                  `json:"csrf_token,omitempty"`
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if errors.Is(err, shared.ErrSessionMissing) {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err != nil {
		h.logger.Error("issue csrf token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrSessionMissing)
		return
	}
	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}

	acc, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	sc := session.New(h.resolver, h.permits, h.service.Source(acc.Identity), h.logger)
	res, err := sc.Start(r.Context())
	if err != nil {
		h.logger.Warn("login resolution failed", slog.String("identity", string(acc.Identity)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	defer sc.Close()

	if err := h.sessionManager.Renew(r.Context(), sess); err != nil {
		h.logger.Error("renew session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	// No token means no way to call mutating routes, so the sign-in is refused.
	token, err := h.csrfManager.RotateToken(r.Context(), sess)
	if err != nil {
		h.logger.Error("rotate csrf token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	sess.SignIn(res.Profile)
	httpx.JSON(w, http.StatusOK, profileResponse{
		Profile:      res.Profile,
		VisiblePages: access.VisiblePages(res.Profile),
		Warnings:     httpx.WarningMessages(res.Warnings),
		CSRFToken:    token,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if profile := sess.Profile(); profile != nil {
			sc := session.Restore(profile, nil, h.permits, nil, h.logger)
			sc.Close()
			h.service.RecordLogout(r.Context(), profile.Identity())
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	profile := shared.ProfileFromContext(r.Context())
	if profile == nil {
		httpx.RespondError(w, access.ErrIdentityUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, profileResponse{
		Profile:      profile,
		VisiblePages: access.VisiblePages(profile),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	profile := shared.ProfileFromContext(r.Context())
	if profile == nil {
		httpx.RespondError(w, access.ErrIdentityUnavailable)
		return
	}
	sc := session.Restore(profile, h.resolver, h.permits, h.service.Source(profile.Identity()), h.logger)
	defer sc.Close()

	res, err := sc.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, access.ErrIdentityUnavailable) {
			h.sessionManager.Destroy(sess)
		}
		h.logger.Warn("refresh failed", slog.String("identity", string(profile.Identity())), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	sess.SetProfile(res.Profile)
	httpx.JSON(w, http.StatusOK, profileResponse{
		Profile:      res.Profile,
		VisiblePages: access.VisiblePages(res.Profile),
		Warnings:     httpx.WarningMessages(res.Warnings),
	})
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return strings.Join(fields, ", ")
}
