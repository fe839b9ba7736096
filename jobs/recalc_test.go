package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/recalc"
)

type fakeRunner struct {
	err       error
	requests  []recalc.Request
	deadPaths []string
	deadTries []int
	deadReqs  []recalc.Request
}

func (f *fakeRunner) Once(_ context.Context, req recalc.Request) (inventory.RecalcResult, error) {
	f.requests = append(f.requests, req)
	return inventory.RecalcResult{}, f.err
}

func (f *fakeRunner) DeadLetter(_ context.Context, path string, req recalc.Request, attempts int, _ error) {
	f.deadPaths = append(f.deadPaths, path)
	f.deadReqs = append(f.deadReqs, req)
	f.deadTries = append(f.deadTries, attempts)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRequest() recalc.Request {
	return recalc.Request{
		Key:    inventory.Key{CompanyCode: 1310, ItemType: inventory.ItemTypeRawMaterial, ItemCode: "RM-001"},
		Date:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Reason: "incoming",
	}
}

func TestNewRecalcTaskRoutesByPriority(t *testing.T) {
	task, err := NewRecalcTask(sampleRequest(), recalc.PriorityBackdated, 3)
	require.NoError(t, err)
	require.Equal(t, TaskSnapshotRecalc, task.Type())

	var payload RecalcPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "2024-01-02", payload.Date)
	require.Equal(t, "RM-001", payload.ItemCode)

	req, err := payload.Request()
	require.NoError(t, err)
	require.Equal(t, sampleRequest().Key, req.Key)

	require.Equal(t, QueueCritical, QueueFor(recalc.PriorityBackdated))
	require.Equal(t, QueueDefault, QueueFor(recalc.PrioritySameDay))
}

func TestRecalcJobDeadLettersOnFinalRetry(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	job := NewRecalcJob(runner, discardLogger())
	task, err := NewRecalcTask(sampleRequest(), 0, 3)
	require.NoError(t, err)

	job.retryCount = func(context.Context) (int, int) { return 1, 2 }
	require.Error(t, job.Handle(context.Background(), task))
	require.Empty(t, runner.deadPaths)

	job.retryCount = func(context.Context) (int, int) { return 2, 2 }
	require.Error(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"asynq"}, runner.deadPaths)
	require.Equal(t, []int{3}, runner.deadTries)
}

func TestRecalcJobDeadLettersBadPayload(t *testing.T) {
	runner := &fakeRunner{}
	job := NewRecalcJob(runner, discardLogger())

	err := job.Handle(context.Background(), asynq.NewTask(TaskSnapshotRecalc, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskSnapshotRecalc, []byte(`{"company_code":1,"item_type":"ROH","item_code":"X","date":"bad"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskSnapshotRecalc, []byte(`{"company_code":0,"item_type":"ROH","item_code":"X","date":"2024-01-01"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, []string{"asynq", "asynq", "asynq"}, runner.deadPaths)
	require.Equal(t, []int{1, 1, 1}, runner.deadTries)
	require.Equal(t, "X", runner.deadReqs[1].Key.ItemCode, "bad date keeps the key")
	require.Empty(t, runner.requests)
}

type fakeReconciler struct {
	since time.Time
}

func (f *fakeReconciler) Run(_ context.Context, since time.Time) (recalc.ReconcileReport, error) {
	f.since = since
	return recalc.ReconcileReport{Keys: 2, Rebuilt: 2}, nil
}

func TestReconcileJobUsesLookback(t *testing.T) {
	rec := &fakeReconciler{}
	job := NewReconcileJob(rec, 0, discardLogger())
	now := time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSnapshotReconcile, nil)))
	require.Equal(t, now.Add(-25*time.Hour), rec.since)

	explicit := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewReconcileTask(explicit)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, explicit.Equal(rec.since))
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := f[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsBothQueues(t *testing.T) {
	h := NewHandler(fakeInspector{QueueCritical: {Queue: QueueCritical, Pending: 4, Retry: 1}}, discardLogger())
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	require.Equal(t, 4, body.Queues[0].Pending)
	require.Equal(t, 1, body.Queues[0].Retry)
	require.Equal(t, QueueDefault, body.Queues[1].Queue)
	require.Zero(t, body.Queues[1].Pending)
}

func TestHousekeepingPrunesEveryTarget(t *testing.T) {
	var seen []time.Duration
	ok := PruneFunc(func(_ context.Context, olderThan time.Duration) (int64, error) {
		seen = append(seen, olderThan)
		return 4, nil
	})
	broken := PruneFunc(func(context.Context, time.Duration) (int64, error) {
		return 0, errors.New("relation does not exist")
	})
	job := &HousekeepingJob{Targets: []HousekeepingTarget{
		{Name: "queue", Pruner: broken, Retention: time.Hour},
		{Name: "idempotency", Pruner: ok, Retention: 72 * time.Hour},
	}}

	err := job.Handle(context.Background(), NewHousekeepingTask())
	require.Error(t, err)
	require.Contains(t, err.Error(), "housekeeping queue")
	require.Equal(t, []time.Duration{72 * time.Hour}, seen)

	job.Targets = job.Targets[1:]
	require.NoError(t, job.Handle(context.Background(), NewHousekeepingTask()))
	require.Equal(t, TaskHousekeeping, NewHousekeepingTask().Type())
}
