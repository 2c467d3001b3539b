package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/permitdesk/permitdesk/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskUrgencyScan recomputes the pending-upload view and its gauges.
	TaskUrgencyScan = "permits:urgency_scan"
	// TaskHistoryRetry re-appends a history entry whose first write failed.
	TaskHistoryRetry = "audit:history_retry"
	// TaskIdempotencyCleanup prunes old bulk-import idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

const (
	historyRetryMaxAttempts     = 10
	defaultIdempotencyRetention = 7 * 24 * time.Hour
)

// HistoryRetryPayload carries the entry to replay, id and timestamp included.
type HistoryRetryPayload struct {
	Entry audit.Entry `json:"entry"`
}

// IdempotencyCleanupPayload sets how long keys are kept.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewUrgencyScanTask constructs the scan task.
func NewUrgencyScanTask() *asynq.Task {
	return asynq.NewTask(TaskUrgencyScan, nil)
}

// NewHistoryRetryTask constructs a retry task. The task id is the entry id
// so an entry is queued at most once.
func NewHistoryRetryTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(HistoryRetryPayload{Entry: entry})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode history retry: %w", err)
	}
	return asynq.NewTask(TaskHistoryRetry, data,
		asynq.TaskID("history:"+entry.ID.String()),
		asynq.MaxRetry(historyRetryMaxAttempts),
		asynq.Queue(QueueDefault),
	), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		retention = defaultIdempotencyRetention
	}
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
