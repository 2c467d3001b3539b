// Package permitshttp exposes the permit tracker over JSON.
package permitshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
	"github.com/permitdesk/permitdesk/internal/permits"
	"github.com/permitdesk/permitdesk/internal/platform/httpx"
	"github.com/permitdesk/permitdesk/internal/rbac"
	"github.com/permitdesk/permitdesk/internal/shared"
)

const (
	dateLayout     = "2006-01-02"
	defaultLimit   = 100
	maxLimit       = 500
	batchModule    = "permits:batch"
	idempotencyHdr = "Idempotency-Key"
	maxBatchRows   = 1000
)

// PermitService is the permit use-case surface the handler drives.
type PermitService interface {
	Create(ctx context.Context, actor *access.ResolvedProfile, input permits.CreateInput) (permits.Permit, error)
	CreateBatch(ctx context.Context, actor *access.ResolvedProfile, inputs []permits.CreateInput) (permits.BatchResult, error)
	List(ctx context.Context, actor *access.ResolvedProfile, filters permits.ListFilters) ([]permits.Permit, error)
	Get(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) (permits.Permit, error)
	PendingUploads(ctx context.Context, actor *access.ResolvedProfile) ([]permits.PendingUpload, error)
	Transition(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID, to permits.Status) (permits.TransitionResult, error)
	Delete(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) error
	History(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) ([]audit.Entry, error)
}

// IdempotencyGuard claims request keys for bulk imports.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// Handler serves /permits.
type Handler struct {
	logger      *slog.Logger
	service     PermitService
	idempotency IdempotencyGuard
	rbac        rbac.Middleware
}

// NewHandler builds the permit handler. idempotency may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(logger *slog.Logger, service PermitService, idempotency IdempotencyGuard, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idempotency: idempotency, rbac: rbac}
}

// MountRoutes registers permit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequirePage(access.PageDashboard, access.ActionView)).Get("/pending-uploads", h.pendingUploads)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePage(access.PageTracker, access.ActionView))
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
		r.Get("/{id}/history", h.history)
	})
	r.With(h.rbac.RequirePage(access.PageTracker, access.ActionCreate)).Post("/", h.create)
	r.With(h.rbac.RequireAny(access.CapImportData)).Post("/batch", h.createBatch)
	r.With(h.rbac.RequirePage(access.PageTracker, access.ActionEdit)).Post("/{id}/status", h.transition)
	r.With(h.rbac.RequirePage(access.PageTracker, access.ActionDelete)).Delete("/{id}", h.delete)
}

type permitRequest struct {
	Code          string `json:"permit_code"`
	GuestName     string `json:"guest_name"`
	ArrivalDate   string `json:"arrival_date"`
	DepartureDate string `json:"departure_date"`
	Status        string `json:"status"`
}

func (p permitRequest) input() (permits.CreateInput, error) {
	in := permits.CreateInput{Code: p.Code, GuestName: p.GuestName, Status: permits.Status(strings.ToLower(strings.TrimSpace(p.Status)))}
	var err error
	if in.ArrivalDate, err = parseDate("arrival_date", p.ArrivalDate); err != nil {
		return permits.CreateInput{}, err
	}
	if in.DepartureDate, err = parseDate("departure_date", p.DepartureDate); err != nil {
		return permits.CreateInput{}, err
	}
	return in, nil
}

type batchRequest struct {
	Rows []permitRequest `json:"rows"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type transitionResponse struct {
	Permit   permits.Permit `json:"permit"`
	History  audit.Entry    `json:"history"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := permits.ListFilters{
		Status: permits.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Search: strings.TrimSpace(q.Get("q")),
	}
	var err error
	if filters.Limit, err = intParam(q.Get("limit"), defaultLimit, maxLimit); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.Offset, err = intParam(q.Get("offset"), 0, 0); err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), shared.ProfileFromContext(r.Context()), filters)
	if err != nil {
		h.fail(w, "list permits", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permits": list})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	permit, err := h.service.Get(r.Context(), shared.ProfileFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, "get permit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, permit)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), shared.ProfileFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, "permit history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *Handler) pendingUploads(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.PendingUploads(r.Context(), shared.ProfileFromContext(r.Context()))
	if err != nil {
		h.fail(w, "pending uploads", err)
		return
	}
	if rows == nil {
		rows = []permits.PendingUpload{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pending": rows})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req permitRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input, err := req.input()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	permit, err := h.service.Create(r.Context(), shared.ProfileFromContext(r.Context()), input)
	if err != nil {
		h.fail(w, "create permit", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, permit)
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.Rows) == 0 || len(req.Rows) > maxBatchRows {
		httpx.RespondError(w, fmt.Errorf("%w: batch must hold 1 to %d rows", permits.ErrInvalidInput, maxBatchRows))
		return
	}
	inputs := make([]permits.CreateInput, 0, len(req.Rows))
	for i, row := range req.Rows {
		input, err := row.input()
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("row %d: %w", i+1, err))
			return
		}
		inputs = append(inputs, input)
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHdr))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, batchModule); err != nil {
			h.fail(w, "claim idempotency key", err)
			return
		}
	}
	result, err := h.service.CreateBatch(r.Context(), shared.ProfileFromContext(r.Context()), inputs)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if relErr := h.idempotency.Release(context.WithoutCancel(r.Context()), key, batchModule); relErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		h.fail(w, "import permits", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := permits.ParseStatus(req.Status)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Transition(r.Context(), shared.ProfileFromContext(r.Context()), id, to)
	if err != nil {
		h.fail(w, "permit transition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, transitionResponse{
		Permit:   result.Permit,
		History:  result.History,
		Warnings: httpx.WarningMessages(result.Warnings),
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), shared.ProfileFromContext(r.Context()), id); err != nil {
		h.fail(w, "delete permit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) permitID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, permits.ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, access.ErrPermissionDenied), errors.Is(err, permits.ErrNotFound),
		errors.Is(err, permits.ErrInvalidInput), errors.Is(err, permits.ErrInvalidStatus),
		errors.Is(err, permits.ErrInvalidTransition), errors.Is(err, permits.ErrDuplicateCode),
		errors.Is(err, shared.ErrIdempotencyConflict):
		h.logger.Info(msg, slog.Any("error", err))
	default:
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", permits.ErrInvalidInput, field)
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", permits.ErrInvalidInput, field)
	}
	return t, nil
}

func intParam(raw string, def, ceiling int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid paging value %q", httpx.ErrValidation, raw)
	}
	if ceiling > 0 && v > ceiling {
		v = ceiling
	}
	return v, nil
}
