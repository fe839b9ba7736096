package recalc

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// QueueStore is the queue surface the consumer needs.
type QueueStore interface {
	Claim(ctx context.Context, worker string, limit int) ([]QueueEntry, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, cause string) error
	Retry(ctx context.Context, entry QueueEntry, attempts int, cause string, next time.Time) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ConsumerConfig tunes Consumer.
type ConsumerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	Logger       *slog.Logger
}

// Consumer drains snapshot_recalc_queue. Each claimed row gets one attempt;
// failures are rescheduled with backoff until the runner's attempt budget
// is spent, then marked FAILED.
type Consumer struct {
	store    QueueStore
	runner   *Runner
	id       string
	interval time.Duration
	batch    int
	stale    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewConsumer constructs Consumer with a unique worker id.
func NewConsumer(store QueueStore, runner *Runner, cfg ConsumerConfig) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		store:    store,
		runner:   runner,
		id:       "recalc-" + uuid.NewString(),
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		stale:    cfg.StaleAfter,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// ID returns the worker identity written to locked_by.
func (c *Consumer) ID() string {
	return c.id
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("recalc queue consumer started", slog.String("worker", c.id), slog.Duration("interval", c.interval))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if released, err := c.store.ReleaseStale(ctx, c.stale); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("release stale queue rows", slog.Any("error", err))
		} else if released > 0 {
			c.logger.Info("released stale queue rows", slog.Int64("count", released))
		}
		for {
			n, err := c.DrainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("drain recalc queue", slog.Any("error", err))
				break
			}
			if n < c.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			c.logger.Info("recalc queue consumer stopped", slog.String("worker", c.id))
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and processes one batch, returning the rows claimed.
func (c *Consumer) DrainOnce(ctx context.Context) (int, error) {
	entries, err := c.store.Claim(ctx, c.id, c.batch)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		c.process(ctx, entry)
	}
	return len(entries), nil
}

func (c *Consumer) process(ctx context.Context, entry QueueEntry) {
	_, err := c.runner.Once(ctx, entry.Request)
	if err == nil {
		if err := c.store.MarkDone(ctx, entry.ID); err != nil {
			c.logger.Error("mark queue row done", slog.Int64("id", entry.ID), slog.Any("error", err))
		}
		return
	}
	attempts := entry.Attempts + 1
	if attempts >= c.runner.MaxAttempts() || isPermanent(err) {
		c.runner.DeadLetter(ctx, "queue", entry.Request, attempts, err)
		if markErr := c.store.MarkFailed(ctx, entry.ID, attempts, err.Error()); markErr != nil {
			c.logger.Error("mark queue row failed", slog.Int64("id", entry.ID), slog.Any("error", markErr))
		}
		return
	}
	delay := c.runner.Backoff().Delay(attempts)
	c.logger.Warn("queued recalculation failed, rescheduled",
		requestAttrs(entry.Request,
			slog.Int64("id", entry.ID),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)...,
	)
	if err := c.store.Retry(ctx, entry, attempts, err.Error(), c.now().Add(delay)); err != nil {
		c.logger.Error("reschedule queue row", slog.Int64("id", entry.ID), slog.Any("error", err))
	}
}

func sortEntries(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}
