package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/permitdesk/permitdesk/internal/audit"
	jobmetrics "github.com/permitdesk/permitdesk/internal/jobs"
	"github.com/permitdesk/permitdesk/internal/platform/db"
)

// HistoryReplayer appends a prebuilt history entry.
type HistoryReplayer interface {
	Replay(ctx context.Context, entry audit.Entry) error
}

// HistoryRetryJob replays history entries. Appends are idempotent on the
// entry id, so a replay that already landed is harmless.
type HistoryRetryJob struct {
	Replayer HistoryReplayer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewHistoryRetryJob initialises the retry handler.
func NewHistoryRetryJob(replayer HistoryReplayer, logger *slog.Logger, metrics *jobmetrics.Metrics) *HistoryRetryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryRetryJob{Replayer: replayer, Logger: logger, Metrics: metrics}
}

// Handle replays one entry. Errors are returned so asynq retries with backoff,
// except when the subject no longer exists.
func (j *HistoryRetryJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Replayer == nil {
		return errors.New("history retry: handler not configured")
	}
	var payload HistoryRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("history retry: %w: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskHistoryRetry)
	defer func() { err = tracker.End(err) }()

	entry := payload.Entry
	if err := j.Replayer.Replay(ctx, entry); err != nil {
		j.Metrics.HistoryRetried(false)
		// The permit was deleted before the replay ran; no retry can succeed.
		if db.IsForeignKeyViolation(err) {
			j.Logger.Warn("history replay dropped, subject gone",
				slog.String("entry_id", entry.ID.String()),
				slog.String("subject_id", entry.Subject.ID),
				slog.Any("error", err))
			return fmt.Errorf("history retry: subject gone: %w: %w", err, asynq.SkipRetry)
		}
		j.Logger.Warn("history replay failed",
			slog.String("entry_id", entry.ID.String()),
			slog.String("subject_id", entry.Subject.ID),
			slog.Any("error", err))
		return err
	}
	j.Metrics.HistoryRetried(true)
	j.Logger.Info("history entry replayed",
		slog.String("entry_id", entry.ID.String()),
		slog.String("action", entry.Action))
	return nil
}
