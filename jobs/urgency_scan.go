package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/permitdesk/permitdesk/internal/jobs"
	"github.com/permitdesk/permitdesk/internal/permits"
)

// PendingScanner computes the pending-upload view.
type PendingScanner interface {
	ScanPendingUploads(ctx context.Context) ([]permits.PendingUpload, error)
}

// UrgencyScanJob logs urgent permits and exports the pending-upload gauges.
type UrgencyScanJob struct {
	Scanner PendingScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewUrgencyScanJob initialises the scan handler.
func NewUrgencyScanJob(scanner PendingScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *UrgencyScanJob {
	return &UrgencyScanJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *UrgencyScanJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Scanner == nil {
		return errors.New("urgency scan: handler not configured")
	}
	tracker := j.Metrics.Track(TaskUrgencyScan)
	defer func() { err = tracker.End(err) }()

	start := time.Now()
	logger := j.logger()
	rows, err := j.Scanner.ScanPendingUploads(ctx)
	if err != nil {
		logger.Error("urgency scan failed", slog.Any("error", err))
		return err
	}
	urgent := 0
	for _, row := range rows {
		if !row.Urgent {
			continue
		}
		urgent++
		logger.Warn("urgent permit pending upload",
			slog.String("permit_code", row.Permit.Code),
			slog.String("status", string(row.Permit.Status)),
			slog.Int("days_until_departure", row.DaysUntilDeparture))
	}
	j.Metrics.SetPendingUploads(len(rows), urgent)
	logger.Info("completed urgency scan",
		slog.Int("pending", len(rows)),
		slog.Int("urgent", urgent),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *UrgencyScanJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
