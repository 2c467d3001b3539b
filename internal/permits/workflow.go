package permits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
)

// StatusWriter persists a transition and returns the stored permit.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, update StatusUpdate) (Permit, error)
}

// HistoryRecorder appends audit entries.
type HistoryRecorder interface {
	Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error)
}

// HistoryRetrier schedules another attempt at an entry whose append failed.
type HistoryRetrier interface {
	EnqueueHistoryRetry(ctx context.Context, entry audit.Entry) error
}

// followUpTimeout bounds the history append, retry enqueue and event publish
// that run after a transition is stored. They are detached from the request
// so a cancelled caller cannot drop the entry of a committed change.
const followUpTimeout = 5 * time.Second

// TransitionObserver is notified of every transition attempt.
type TransitionObserver interface {
	TransitionRecorded(from, to string, outcome string)
}

// Transition outcomes reported to the observer.
const (
	OutcomeApplied       = "applied"
	OutcomeDenied        = "denied"
	OutcomeInvalid       = "invalid"
	OutcomePersistFailed = "persist_failed"
)

// TransitionResult is a confirmed transition. Warnings hold non-fatal
// failures such as ErrAuditWriteFailed.
type TransitionResult struct {
	Permit   Permit      `json:"permit"`
	History  audit.Entry `json:"history"`
	Warnings []error     `json:"-"`
}

// Engine is the permit status state machine.
type Engine struct {
	writer    StatusWriter
	history   HistoryRecorder
	publisher EventPublisher
	retrier   HistoryRetrier
	observer  TransitionObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine constructs the workflow engine. history may be nil in tests that
// do not care about the audit trail.
func NewEngine(writer StatusWriter, history HistoryRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{writer: writer, history: history, logger: logger, now: time.Now}
}

// WithNow overrides the clock.
func (e *Engine) WithNow(fn func() time.Time) *Engine {
	if fn != nil {
		e.now = fn
	}
	return e
}

// WithPublisher attaches a status-change event publisher.
func (e *Engine) WithPublisher(p EventPublisher) *Engine {
	e.publisher = p
	return e
}

// WithRetrier attaches a history retry queue.
func (e *Engine) WithRetrier(r HistoryRetrier) *Engine {
	e.retrier = r
	return e
}

// WithObserver attaches a metrics observer.
func (e *Engine) WithObserver(o TransitionObserver) *Engine {
	e.observer = o
	return e
}

// CanTransition reports whether the workflow allows moving from one status to
// another. Any status may be corrected back to pending.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if to == StatusPending {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusUploaded
	default:
		return false
	}
}

// HistoryAction is the history text for a transition into status.
func HistoryAction(status Status) string {
	return "Status updated to " + status.Label()
}

// Transition validates and persists a status change, then appends exactly one
// history entry. The input permit is never modified; on any error the caller
// keeps its current state. A failed history append is returned as a warning
// and does not undo the change.
func (e *Engine) Transition(ctx context.Context, permit Permit, to Status, actor *access.ResolvedProfile) (TransitionResult, error) {
	from := permit.Status
	if !to.Valid() {
		e.observe(from, to, OutcomeInvalid)
		return TransitionResult{}, ErrInvalidStatus
	}
	if !access.CanEditPage(actor, access.PageTracker) {
		e.observe(from, to, OutcomeDenied)
		return TransitionResult{}, fmt.Errorf("%w: editing the tracker is required to change permit status", access.ErrPermissionDenied)
	}
	if !CanTransition(from, to) {
		e.observe(from, to, OutcomeInvalid)
		return TransitionResult{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	actorID := string(actor.Identity())
	updated, err := e.writer.UpdateStatus(ctx, StatusUpdate{
		ID:        permit.ID,
		From:      from,
		Status:    to,
		Uploaded:  to == StatusUploaded,
		UpdatedAt: e.now().UTC(),
		UpdatedBy: actorID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidTransition):
			// Another actor moved the permit after it was read.
			e.observe(from, to, OutcomeInvalid)
			return TransitionResult{}, err
		case errors.Is(err, ErrNotFound):
			e.observe(from, to, OutcomePersistFailed)
			return TransitionResult{}, err
		}
		e.observe(from, to, OutcomePersistFailed)
		e.logger.Error("permit status not saved",
			slog.String("permit_id", permit.ID.String()),
			slog.String("to", string(to)),
			slog.Any("error", err))
		return TransitionResult{}, fmt.Errorf("%w: %w", ErrTransitionPersistFailed, err)
	}
	e.observe(from, to, OutcomeApplied)

	followCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
	defer cancel()

	result := TransitionResult{Permit: updated}
	if e.history != nil {
		meta := map[string]any{"from": string(from), "to": string(to), "permit_code": updated.Code}
		entry, err := e.history.Record(followCtx, audit.PermitSubject(updated.ID), HistoryAction(to), actorID, meta)
		result.History = entry
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Errorf("%w: %w", ErrAuditWriteFailed, err))
			e.scheduleRetry(followCtx, entry)
		}
	}

	if e.publisher != nil {
		event := StatusChanged{
			PermitID: updated.ID,
			Code:     updated.Code,
			From:     from,
			To:       to,
			Actor:    actorID,
			At:       updated.LastUpdatedAt,
		}
		if err := e.publisher.PublishStatusChanged(followCtx, event); err != nil {
			e.logger.Warn("status change event not published",
				slog.String("permit_id", updated.ID.String()),
				slog.Any("error", err))
		}
	}
	return result, nil
}

func (e *Engine) scheduleRetry(ctx context.Context, entry audit.Entry) {
	if e.retrier == nil || entry.ID == uuid.Nil {
		return
	}
	if err := e.retrier.EnqueueHistoryRetry(ctx, entry); err != nil {
		e.logger.Warn("history retry not scheduled",
			slog.String("entry_id", entry.ID.String()),
			slog.Any("error", err))
	}
}

func (e *Engine) observe(from, to Status, outcome string) {
	if e.observer != nil {
		e.observer.TransitionRecorded(string(from), string(to), outcome)
	}
}
