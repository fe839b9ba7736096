package inventory

import (
	"context"
	"time"
)

// SnapshotStore reads and writes daily snapshot rows.
type SnapshotStore interface {
	// LatestBefore returns the newest snapshot strictly before date.
	LatestBefore(ctx context.Context, key Key, date time.Time) (DailySnapshot, bool, error)
	// LatestOnOrBefore returns the newest snapshot on or before date.
	LatestOnOrBefore(ctx context.Context, key Key, date time.Time) (DailySnapshot, bool, error)
	// SnapshotsAfter lists snapshots strictly after date, ascending.
	SnapshotsAfter(ctx context.Context, key Key, date time.Time) ([]DailySnapshot, error)
	// SnapshotsBetween lists snapshots in [from, to], ascending.
	SnapshotsBetween(ctx context.Context, key Key, from, to time.Time) ([]DailySnapshot, error)
	Upsert(ctx context.Context, snap DailySnapshot) error
}

// BalanceSource supplies the balance of a key on a date and the balances of
// the dates after it. SnapshotStore is one; the ledger offers another that
// reads source rows inside a write transaction.
type BalanceSource interface {
	LatestOnOrBefore(ctx context.Context, key Key, date time.Time) (DailySnapshot, bool, error)
	SnapshotsAfter(ctx context.Context, key Key, date time.Time) ([]DailySnapshot, error)
}

// Store is a SnapshotStore able to serialise work per key.
type Store interface {
	SnapshotStore
	// WithKeyLock runs fn while holding the key's exclusive lock. The store
	// passed to fn shares the lock scope.
	WithKeyLock(ctx context.Context, key Key, fn func(context.Context, SnapshotStore) error) error
}

// ReportStore feeds MutationReport.
type ReportStore interface {
	// OpeningSnapshots returns, per key, the newest snapshot before filter.From.
	OpeningSnapshots(ctx context.Context, filter ReportFilter) ([]DailySnapshot, error)
	// PeriodSnapshots returns snapshots in [filter.From, filter.To] ordered by key then date.
	PeriodSnapshots(ctx context.Context, filter ReportFilter) ([]DailySnapshot, error)
}

// LedgerReader sums committed, non-deleted source rows.
type LedgerReader interface {
	SumMovements(ctx context.Context, key Key, date time.Time) (Movements, error)
	// MovementDates lists distinct dates on or after from that carry movements.
	MovementDates(ctx context.Context, key Key, from time.Time) ([]time.Time, error)
}
