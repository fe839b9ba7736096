package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// AsyncDispatcher runs requests in-process on a bounded pool. Work runs on
// a context detached from the caller so a finished HTTP request does not
// cancel it.
type AsyncDispatcher struct {
	runner *Runner
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewAsyncDispatcher constructs AsyncDispatcher with at most concurrency
// recalculations in flight.
func NewAsyncDispatcher(runner *Runner, concurrency int64, logger *slog.Logger) *AsyncDispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDispatcher{
		runner: runner,
		sem:    semaphore.NewWeighted(concurrency),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Schedule starts req in the background and returns immediately.
func (d *AsyncDispatcher) Schedule(_ context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.RUnlock()
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.runner.DeadLetter(d.ctx, "async", req, 0, err)
			return
		}
		defer d.sem.Release(1)
		_ = d.runner.Run(d.ctx, req)
	}()
	return nil
}

// Close stops accepting work and waits for in-flight requests. When ctx
// ends first the remaining work is cancelled.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("recalc dispatcher drain timed out, cancelling in-flight work")
		d.cancel()
		<-done
		return fmt.Errorf("recalc: drain async dispatcher: %w", ctx.Err())
	}
}

// Enqueuer persists requests for a later consumer.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request, priority int) (int64, error)
}

// QueueDispatcher writes requests to snapshot_recalc_queue.
type QueueDispatcher struct {
	queue Enqueuer
	now   func() time.Time
}

// NewQueueDispatcher constructs QueueDispatcher.
func NewQueueDispatcher(queue Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, now: time.Now}
}

// Schedule enqueues req, ranking backdated dates first.
func (d *QueueDispatcher) Schedule(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := d.queue.Enqueue(ctx, req, PriorityFor(req.Date, d.now())); err != nil {
		return fmt.Errorf("recalc: enqueue %s: %w", req.Key, err)
	}
	return nil
}

// TaskEnqueuer publishes requests as background tasks.
type TaskEnqueuer interface {
	EnqueueRecalc(ctx context.Context, req Request, priority int) error
}

// TaskDispatcher hands requests to the asynq worker.
type TaskDispatcher struct {
	tasks TaskEnqueuer
	now   func() time.Time
}

// NewTaskDispatcher constructs TaskDispatcher.
func NewTaskDispatcher(tasks TaskEnqueuer) *TaskDispatcher {
	return &TaskDispatcher{tasks: tasks, now: time.Now}
}

// Schedule publishes req.
func (d *TaskDispatcher) Schedule(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := d.tasks.EnqueueRecalc(ctx, req, PriorityFor(req.Date, d.now())); err != nil {
		return fmt.Errorf("recalc: publish %s: %w", req.Key, err)
	}
	return nil
}
