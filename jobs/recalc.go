package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/recalc"
)

// OnceRunner executes a single recalculation attempt.
type OnceRunner interface {
	Once(ctx context.Context, req recalc.Request) (inventory.RecalcResult, error)
	DeadLetter(ctx context.Context, path string, req recalc.Request, attempts int, err error)
}

// RecalcJob handles snapshot:recalc tasks. Asynq owns the retry schedule;
// the final failed attempt is dead-lettered.
type RecalcJob struct {
	Runner     OnceRunner
	Logger     *slog.Logger
	retryCount func(ctx context.Context) (int, int)
}

// NewRecalcJob constructs RecalcJob.
func NewRecalcJob(runner OnceRunner, logger *slog.Logger) *RecalcJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecalcJob{Runner: runner, Logger: logger, retryCount: asynqRetryCount}
}

// Handle implements asynq.HandlerFunc.
func (j *RecalcJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RecalcPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		err = fmt.Errorf("decode recalc payload: %w", err)
		j.Runner.DeadLetter(ctx, "asynq", recalc.Request{}, 1, err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	req, err := payload.Request()
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		j.Runner.DeadLetter(ctx, "asynq", req, 1, err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	res, err := j.Runner.Once(ctx, req)
	if err != nil {
		retried, max := j.retryCount(ctx)
		if retried >= max {
			j.Runner.DeadLetter(ctx, "asynq", req, retried+1, err)
		}
		return err
	}
	j.Logger.Debug("snapshot recalc task done",
		slog.String("key", req.Key.String()),
		slog.Int("cascade_dates", res.Cascade.Dates),
		slog.Int("cascade_changed", res.Cascade.Changed),
	)
	return nil
}

func asynqRetryCount(ctx context.Context) (int, int) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return retried, retried
	}
	return retried, max
}

// Reconcile is the reconcile surface used by ReconcileJob.
type Reconcile interface {
	Run(ctx context.Context, since time.Time) (recalc.ReconcileReport, error)
}

// ReconcileJob rebuilds every key whose source rows changed in the lookback
// window.
type ReconcileJob struct {
	Reconciler Reconcile
	Lookback   time.Duration
	Logger     *slog.Logger
	clock      func() time.Time
}

// NewReconcileJob constructs ReconcileJob with a default 25h lookback.
func NewReconcileJob(reconciler Reconcile, lookback time.Duration, logger *slog.Logger) *ReconcileJob {
	if lookback <= 0 {
		lookback = 25 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{Reconciler: reconciler, Lookback: lookback, Logger: logger, clock: time.Now}
}

// Handle implements asynq.HandlerFunc.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	since := j.clock().Add(-j.Lookback)
	if len(t.Payload()) > 0 {
		var payload ReconcilePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode reconcile payload: %w: %w", err, asynq.SkipRetry)
		}
		if !payload.Since.IsZero() {
			since = payload.Since
		}
	}
	report, err := j.Reconciler.Run(ctx, since)
	j.Logger.Info("snapshot reconcile finished",
		slog.Time("since", since),
		slog.Int("keys", report.Keys),
		slog.Int("rebuilt", report.Rebuilt),
		slog.Int("failed", report.Failed),
		slog.Int("changed", report.Changed),
	)
	return err
}

// Drainer drains the recalc queue table once.
type Drainer interface {
	DrainOnce(ctx context.Context) (int, error)
}

// DrainJob handles snapshot:queue_drain tasks.
type DrainJob struct {
	Consumer Drainer
	Logger   *slog.Logger
}

// Handle implements asynq.HandlerFunc.
func (j *DrainJob) Handle(ctx context.Context, _ *asynq.Task) error {
	n, err := j.Consumer.DrainOnce(ctx)
	if err != nil {
		return err
	}
	if n > 0 && j.Logger != nil {
		j.Logger.Info("recalc queue drained", slog.Int("processed", n))
	}
	return nil
}
