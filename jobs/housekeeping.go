package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Pruner deletes records older than a retention window and reports how
// many were removed.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PruneFunc adapts a function to Pruner.
type PruneFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

// Prune calls f.
func (f PruneFunc) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f(ctx, olderThan)
}

// HousekeepingTarget names a Pruner and its retention.
type HousekeepingTarget struct {
	Name      string
	Pruner    Pruner
	Retention time.Duration
}

// HousekeepingJob handles snapshot:housekeeping tasks.
type HousekeepingJob struct {
	Targets []HousekeepingTarget
	Logger  *slog.Logger
}

// Handle prunes every target; one failing target does not stop the others.
func (j *HousekeepingJob) Handle(ctx context.Context, _ *asynq.Task) error {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, target := range j.Targets {
		removed, err := target.Pruner.Prune(ctx, target.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("housekeeping %s: %w", target.Name, err))
			continue
		}
		logger.Info("housekeeping pruned rows",
			slog.String("target", target.Name),
			slog.Int64("removed", removed),
			slog.Duration("retention", target.Retention),
		)
	}
	return errors.Join(errs...)
}
