package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	jobmetrics "github.com/bonded-wms/stockbalance/internal/jobs"
	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

const jobName = "snapshot_recalc"

// Backoff is an exponential delay: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retrying after the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Base
	}
	delay := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// RunnerConfig tunes Runner.
type RunnerConfig struct {
	MaxAttempts int
	Backoff     Backoff
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Runner executes recalculations under the key lock and retries failures.
type Runner struct {
	recalc      Recalculator
	locker      Locker
	maxAttempts int
	backoff     Backoff
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRunner constructs Runner. A nil locker falls back to LocalLocker.
func NewRunner(recalc Recalculator, locker Locker, cfg RunnerConfig) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		recalc:      recalc,
		locker:      locker,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		sleep:       sleepContext,
	}
}

// MaxAttempts reports the configured attempt budget.
func (r *Runner) MaxAttempts() int {
	return r.maxAttempts
}

// Backoff exposes the retry delay policy.
func (r *Runner) Backoff() Backoff {
	return r.backoff
}

// Once runs a single attempt.
func (r *Runner) Once(ctx context.Context, req Request) (inventory.RecalcResult, error) {
	tracker := r.metrics.Track(jobName)
	unlock, err := r.locker.Lock(ctx, req.Key.String())
	if err != nil {
		return inventory.RecalcResult{}, tracker.End(err)
	}
	defer unlock()
	res, err := r.recalc.Recalculate(ctx, req.Input())
	return res, tracker.End(err)
}

// Run retries Once with backoff. After the last attempt the request is
// dead-lettered and ErrDeadLettered is returned.
func (r *Runner) Run(ctx context.Context, req Request) error {
	var lastErr error
	attempt := 0
	for attempt < r.maxAttempts {
		attempt++
		_, err := r.Once(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(err) || attempt == r.maxAttempts {
			break
		}
		delay := r.backoff.Delay(attempt)
		r.logger.Warn("snapshot recalculation failed, retrying",
			requestAttrs(req,
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.Any("error", err),
			)...,
		)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	r.DeadLetter(ctx, "async", req, attempt, lastErr)
	return fmt.Errorf("%w: %w", ErrDeadLettered, lastErr)
}

// DeadLetter records a request that will not be retried again.
func (r *Runner) DeadLetter(_ context.Context, path string, req Request, attempts int, err error) {
	r.metrics.AddDeadLetter(path)
	r.logger.Error("snapshot recalculation dead-lettered",
		requestAttrs(req,
			slog.String("path", path),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)...,
	)
}

// isPermanent reports failures that a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, httpx.ErrValidation)
}

func requestAttrs(req Request, extra ...any) []any {
	attrs := []any{
		slog.Int64("company_code", req.Key.CompanyCode),
		slog.String("item_type", string(req.Key.ItemType)),
		slog.String("item_code", req.Key.ItemCode),
		slog.String("from_date", inventory.DateOnly(req.Date).Format("2006-01-02")),
	}
	if req.Reason != "" {
		attrs = append(attrs, slog.String("reason", req.Reason))
	}
	return append(attrs, extra...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
