package permits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
)

// HistoryReader lists a subject's history newest first.
type HistoryReader interface {
	History(ctx context.Context, subject audit.Subject) ([]audit.Entry, error)
}

// Service coordinates permit use cases on behalf of a resolved actor.
type Service struct {
	repo     Repository
	engine   *Engine
	history  HistoryRecorder
	reader   HistoryReader
	retrier  HistoryRetrier
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
}

// NewService builds the permit service.
func NewService(repo Repository, engine *Engine, history HistoryRecorder, reader HistoryReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		engine:   engine,
		history:  history,
		reader:   reader,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		location: time.UTC,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// WithLocation sets the zone in which "today" is evaluated.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.location = loc
	}
	return s
}

// WithRetrier attaches a history retry queue for create entries.
func (s *Service) WithRetrier(r HistoryRetrier) *Service {
	s.retrier = r
	return s
}

// Now returns the current time in the configured location.
func (s *Service) Now() time.Time {
	return s.now().In(s.location)
}

// Create inserts one manually entered permit.
func (s *Service) Create(ctx context.Context, actor *access.ResolvedProfile, input CreateInput) (Permit, error) {
	if !access.CanCreateOnPage(actor, access.PageTracker) {
		return Permit{}, access.ErrPermissionDenied
	}
	permit, err := s.build(actor, input)
	if err != nil {
		return Permit{}, err
	}
	if err := s.repo.Create(ctx, permit); err != nil {
		return Permit{}, err
	}
	s.recordCreated(ctx, actor, permit, "manual")
	return permit, nil
}

// CreateBatch inserts pre-parsed import rows. Importing requires the
// import capability. Invalid rows fail the whole batch before anything is
// written; rows with an existing code are skipped.
func (s *Service) CreateBatch(ctx context.Context, actor *access.ResolvedProfile, inputs []CreateInput) (BatchResult, error) {
	if !access.HasCapability(actor, access.CapImportData) {
		return BatchResult{}, access.ErrPermissionDenied
	}
	batch := make([]Permit, 0, len(inputs))
	for i, input := range inputs {
		permit, err := s.build(actor, input)
		if err != nil {
			return BatchResult{}, fmt.Errorf("row %d: %w", i+1, err)
		}
		batch = append(batch, permit)
	}
	created, skipped, err := s.repo.CreateBatch(ctx, batch)
	if err != nil {
		return BatchResult{}, err
	}
	for _, permit := range created {
		s.recordCreated(ctx, actor, permit, "import")
	}
	if created == nil {
		created = []Permit{}
	}
	if skipped == nil {
		skipped = []string{}
	}
	return BatchResult{Created: created, Skipped: skipped}, nil
}

// List returns permits visible on the tracker.
func (s *Service) List(ctx context.Context, actor *access.ResolvedProfile, filters ListFilters) ([]Permit, error) {
	if !access.CanViewPage(actor, access.PageTracker) {
		return nil, access.ErrPermissionDenied
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.repo.List(ctx, filters)
}

// Get loads one permit.
func (s *Service) Get(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) (Permit, error) {
	if !access.CanViewPage(actor, access.PageTracker) {
		return Permit{}, access.ErrPermissionDenied
	}
	return s.repo.Get(ctx, id)
}

// PendingUploads returns the prioritised view shown on the dashboard.
func (s *Service) PendingUploads(ctx context.Context, actor *access.ResolvedProfile) ([]PendingUpload, error) {
	if !access.CanViewPage(actor, access.PageDashboard) {
		return nil, access.ErrPermissionDenied
	}
	return s.ScanPendingUploads(ctx)
}

// ScanPendingUploads computes the pending-upload view without an actor check,
// for background jobs.
func (s *Service) ScanPendingUploads(ctx context.Context) ([]PendingUpload, error) {
	now := s.Now()
	from := calendarDay(now)
	candidates, err := s.repo.ListDepartingBetween(ctx, from, from.AddDate(0, 0, PendingWindowDays))
	if err != nil {
		return nil, err
	}
	return PendingUploads(candidates, now), nil
}

// Transition loads the permit and runs the workflow engine.
func (s *Service) Transition(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID, to Status) (TransitionResult, error) {
	if !access.CanEditPage(actor, access.PageTracker) {
		return TransitionResult{}, access.ErrPermissionDenied
	}
	permit, err := s.repo.Get(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return s.engine.Transition(ctx, permit, to, actor)
}

// Delete removes a permit and its history.
func (s *Service) Delete(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) error {
	if !access.CanDeleteOnPage(actor, access.PageTracker) {
		return access.ErrPermissionDenied
	}
	permit, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.history != nil {
		meta := map[string]any{"permit_id": permit.ID.String(), "permit_code": permit.Code}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
		defer cancel()
		if _, err := s.history.Record(hctx, audit.UserSubject(string(actor.Identity())), "permit_deleted", string(actor.Identity()), meta); err != nil {
			s.logger.Warn("permit delete not audited", slog.String("permit_id", id.String()), slog.Any("error", err))
		}
	}
	return nil
}

// History returns a permit's history newest first.
func (s *Service) History(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID) ([]audit.Entry, error) {
	if !access.CanViewPage(actor, access.PageTracker) {
		return nil, access.ErrPermissionDenied
	}
	if s.reader == nil {
		return nil, errors.New("permits: history reader not configured")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.reader.History(ctx, audit.PermitSubject(id))
}

func (s *Service) build(actor *access.ResolvedProfile, input CreateInput) (Permit, error) {
	input.Code = strings.TrimSpace(input.Code)
	input.GuestName = strings.TrimSpace(input.GuestName)
	if input.Status == "" {
		input.Status = StatusPending
	}
	if err := s.validate.Struct(input); err != nil {
		return Permit{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	now := s.now().UTC()
	return Permit{
		ID:            uuid.New(),
		Code:          input.Code,
		GuestName:     input.GuestName,
		ArrivalDate:   calendarDay(input.ArrivalDate),
		DepartureDate: calendarDay(input.DepartureDate),
		Status:        input.Status,
		Uploaded:      input.Status == StatusUploaded,
		LastUpdatedAt: now,
		UpdatedBy:     string(actor.Identity()),
		CreatedAt:     now,
	}, nil
}

func (s *Service) recordCreated(ctx context.Context, actor *access.ResolvedProfile, permit Permit, source string) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
	defer cancel()
	meta := map[string]any{"permit_code": permit.Code, "source": source}
	entry, err := s.history.Record(ctx, audit.PermitSubject(permit.ID), audit.ActionPermitCreated, string(actor.Identity()), meta)
	if err == nil {
		return
	}
	s.logger.Warn("permit creation not audited", slog.String("permit_id", permit.ID.String()), slog.Any("error", err))
	if s.retrier != nil && entry.ID != uuid.Nil {
		if err := s.retrier.EnqueueHistoryRetry(ctx, entry); err != nil {
			s.logger.Warn("history retry not scheduled", slog.String("entry_id", entry.ID.String()), slog.Any("error", err))
		}
	}
}
