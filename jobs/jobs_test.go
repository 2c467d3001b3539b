package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/permitdesk/permitdesk/internal/audit"
	jobmetrics "github.com/permitdesk/permitdesk/internal/jobs"
	"github.com/permitdesk/permitdesk/internal/permits"
)

type stubScanner struct {
	rows []permits.PendingUpload
	err  error
}

func (s stubScanner) ScanPendingUploads(context.Context) ([]permits.PendingUpload, error) {
	return s.rows, s.err
}

type stubReplayer struct {
	got []audit.Entry
	err error
}

func (s *stubReplayer) Replay(_ context.Context, entry audit.Entry) error {
	s.got = append(s.got, entry)
	return s.err
}

type stubPruner struct {
	retention time.Duration
}

func (s *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return 3, nil
}

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{}, s.err
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestUrgencyScanSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := NewUrgencyScanJob(stubScanner{rows: []permits.PendingUpload{
		{Permit: permits.Permit{Code: "P-1"}, DaysUntilDeparture: 1, Urgent: true},
		{Permit: permits.Permit{Code: "P-2"}, DaysUntilDeparture: 5},
	}}, nil, metrics)

	require.NoError(t, job.Handle(context.Background(), NewUrgencyScanTask()))
	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "permitdesk_pending_uploads" {
			continue
		}
		for _, m := range family.GetMetric() {
			found[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
		}
	}
	require.Equal(t, 1.0, found["urgent"])
	require.Equal(t, 1.0, found["normal"])
}

func TestUrgencyScanPropagatesError(t *testing.T) {
	job := NewUrgencyScanJob(stubScanner{err: errors.New("db down")}, nil, nil)
	require.Error(t, job.Handle(context.Background(), NewUrgencyScanTask()))

	var unconfigured *UrgencyScanJob
	require.Error(t, unconfigured.Handle(context.Background(), NewUrgencyScanTask()))
}

func TestHistoryRetryReplaysEntry(t *testing.T) {
	entry := audit.Entry{
		ID:      uuid.New(),
		Subject: audit.PermitSubject(uuid.New()),
		Action:  "status_approved",
		Actor:   "u-1",
		At:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	task, err := NewHistoryRetryTask(entry)
	require.NoError(t, err)

	replayer := &stubReplayer{}
	job := NewHistoryRetryJob(replayer, nil, nil)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, replayer.got, 1)
	require.Equal(t, entry.ID, replayer.got[0].ID)
	require.True(t, entry.At.Equal(replayer.got[0].At))
	require.Equal(t, entry.Subject, replayer.got[0].Subject)
}

func TestHistoryRetryFailureIsRetried(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	task, err := NewHistoryRetryTask(audit.Entry{ID: uuid.New()})
	require.NoError(t, err)

	job := NewHistoryRetryJob(&stubReplayer{err: errors.New("still down")}, nil, metrics)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, 1, testutil.CollectAndCount(reg, "permitdesk_history_retries_total"))
}

func TestHistoryRetryDeletedSubjectSkipsRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	task, err := NewHistoryRetryTask(audit.Entry{ID: uuid.New(), Subject: audit.PermitSubject(uuid.New())})
	require.NoError(t, err)

	fkErr := &pgconn.PgError{Code: "23503", ConstraintName: "permit_history_permit_id_fkey"}
	job := NewHistoryRetryJob(&stubReplayer{err: fmt.Errorf("%w: %w", audit.ErrWriteFailed, fkErr)}, nil, metrics)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, audit.ErrWriteFailed)
	require.Equal(t, 1, testutil.CollectAndCount(reg, "permitdesk_history_retries_total"))
}

func TestHistoryRetryBadPayloadSkipsRetry(t *testing.T) {
	job := NewHistoryRetryJob(&stubReplayer{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskHistoryRetry, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	store := &stubPruner{}
	job := NewIdempotencyCleanupJob(store, nil, nil)

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, store.retention)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, defaultIdempotencyRetention, store.retention)
}

func TestClientEnqueueHistoryRetry(t *testing.T) {
	enq := &stubEnqueuer{}
	client := &Client{client: enq}
	entry := audit.Entry{ID: uuid.New(), Action: "status_rejected"}

	require.NoError(t, client.EnqueueHistoryRetry(context.Background(), entry))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskHistoryRetry, enq.tasks[0].Type())
	var payload HistoryRetryPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, entry.ID, payload.Entry.ID)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.EnqueueHistoryRetry(context.Background(), entry))

	enq.err = errors.New("redis down")
	require.Error(t, client.EnqueueHistoryRetry(context.Background(), entry))
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		body      string
	}{
		{name: "no inspector", status: http.StatusOK, body: `{"queue":"default","pending":0,"retry":0}`},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4, Retry: 1}}, status: http.StatusOK, body: `{"queue":"default","pending":4,"retry":1}`},
		{name: "redis error", inspector: stubInspector{err: errors.New("redis down")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rr.Code)
			if tc.body != "" {
				require.JSONEq(t, tc.body, rr.Body.String())
			}
		})
	}
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	require.Error(t, err)
}
