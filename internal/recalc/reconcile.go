package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	jobmetrics "github.com/bonded-wms/stockbalance/internal/jobs"
)

// KeyLister finds keys whose source rows changed.
type KeyLister interface {
	ChangedKeys(ctx context.Context, since time.Time) ([]inventory.Key, error)
}

// Rebuilder recomputes a whole key chain.
type Rebuilder interface {
	Rebuild(ctx context.Context, key inventory.Key, from time.Time) (inventory.RecalcResult, error)
}

// ReconcileReport summarises a reconciliation pass.
type ReconcileReport struct {
	Keys    int
	Rebuilt int
	Failed  int
	Changed int
}

// Reconciler rebuilds every key touched since a cutoff. It repairs chains
// left stale by dead-lettered recalculations.
type Reconciler struct {
	keys        KeyLister
	rebuilder   Rebuilder
	locker      Locker
	concurrency int
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
}

// NewReconciler constructs Reconciler.
func NewReconciler(keys KeyLister, rebuilder Rebuilder, locker Locker, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *Reconciler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{keys: keys, rebuilder: rebuilder, locker: locker, concurrency: concurrency, logger: logger, metrics: metrics}
}

// Run rebuilds keys changed at or after since. Per-key failures are logged
// and counted; only a failure to list keys aborts the pass.
func (r *Reconciler) Run(ctx context.Context, since time.Time) (ReconcileReport, error) {
	tracker := r.metrics.Track("snapshot_reconcile")
	keys, err := r.keys.ChangedKeys(ctx, since)
	if err != nil {
		return ReconcileReport{}, tracker.End(fmt.Errorf("recalc: reconcile keys: %w", err))
	}
	report := ReconcileReport{Keys: len(keys)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			res, err := r.rebuild(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				r.logger.Error("reconcile key", slog.String("key", key.String()), slog.Any("error", err))
				return nil
			}
			report.Rebuilt++
			report.Changed += res.Cascade.Changed
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Info("reconcile finished",
		slog.Time("since", since),
		slog.Int("keys", report.Keys),
		slog.Int("rebuilt", report.Rebuilt),
		slog.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		return report, tracker.End(fmt.Errorf("recalc: reconcile: %d of %d keys failed", report.Failed, report.Keys))
	}
	return report, tracker.End(nil)
}

func (r *Reconciler) rebuild(ctx context.Context, key inventory.Key) (inventory.RecalcResult, error) {
	unlock, err := r.locker.Lock(ctx, key.String())
	if err != nil {
		return inventory.RecalcResult{}, err
	}
	defer unlock()
	return r.rebuilder.Rebuild(ctx, key, time.Time{})
}
