package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recorder appends immutable history entries. It never updates or removes
// entries and does not deduplicate: repeating an action repeats the entry.
type Recorder struct {
	repo      Repository
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
	onFailure func(SubjectKind)
}

// NewRecorder constructs a recorder.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.New,
	}
}

// WithNow overrides the clock, used by tests.
func (r *Recorder) WithNow(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// OnFailure registers a hook invoked whenever an append fails.
func (r *Recorder) OnFailure(fn func(SubjectKind)) *Recorder {
	r.onFailure = fn
	return r
}

// Record appends one entry. On a sink failure the built entry is still
// returned alongside an error wrapping ErrWriteFailed so callers can retry it.
func (r *Recorder) Record(ctx context.Context, subject Subject, action, actor string, meta map[string]any) (Entry, error) {
	action = strings.TrimSpace(action)
	if subject.Kind == "" || strings.TrimSpace(subject.ID) == "" || action == "" {
		return Entry{}, ErrInvalidEntry
	}
	entry := Entry{
		ID:       r.newID(),
		Subject:  subject,
		Action:   action,
		Actor:    actor,
		At:       r.now().UTC(),
		Metadata: meta,
	}
	if err := r.Replay(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// Replay appends a previously built entry, keeping its id and timestamp.
func (r *Recorder) Replay(ctx context.Context, entry Entry) error {
	if r == nil || r.repo == nil {
		return fmt.Errorf("%w: repository not configured", ErrWriteFailed)
	}
	if err := r.repo.Append(ctx, entry); err != nil {
		r.logger.Warn("audit append failed",
			slog.String("subject_kind", string(entry.Subject.Kind)),
			slog.String("subject_id", entry.Subject.ID),
			slog.String("action", entry.Action),
			slog.Any("error", err))
		if r.onFailure != nil {
			r.onFailure(entry.Subject.Kind)
		}
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}
