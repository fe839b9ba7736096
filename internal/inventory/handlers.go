package inventory

import "context"

// Observer receives recalculation events, e.g. for metrics.
type Observer interface {
	SnapshotRecalculated(ctx context.Context, evt RecalculatedEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt RecalculatedEvent)

// SnapshotRecalculated calls f.
func (f ObserverFunc) SnapshotRecalculated(ctx context.Context, evt RecalculatedEvent) {
	f(ctx, evt)
}
