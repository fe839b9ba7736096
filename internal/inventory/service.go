package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Engine owns every write to the snapshot table. It recomputes a key's
// chain from the ledger and the previous day's ending.
type Engine struct {
	store    Store
	ledger   LedgerReader
	logger   *slog.Logger
	observer Observer
}

// EngineOption customises Engine.
type EngineOption func(*Engine)

// WithObserver registers a callback fired after each successful recalculation.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// NewEngine builds Engine.
func NewEngine(store Store, ledger LedgerReader, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, ledger: ledger, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpsertSnapshot recomputes the snapshot for in.Date from the prior ending
// and the day's ledger. Later snapshots are left stale until CascadeFromDate.
func (e *Engine) UpsertSnapshot(ctx context.Context, in UpsertInput) (DailySnapshot, error) {
	if err := validateUpsert(in); err != nil {
		return DailySnapshot{}, err
	}
	var snap DailySnapshot
	err := e.store.WithKeyLock(ctx, in.Key, func(ctx context.Context, s SnapshotStore) error {
		var err error
		snap, err = e.upsert(ctx, s, in)
		return err
	})
	if err != nil {
		return DailySnapshot{}, err
	}
	return snap, nil
}

// CascadeFromDate recomputes every snapshot after from, plus any later date
// carrying ledger movements, walking forward to the end of the chain.
func (e *Engine) CascadeFromDate(ctx context.Context, key Key, from time.Time) (CascadeResult, error) {
	if err := key.Validate(); err != nil {
		return CascadeResult{}, err
	}
	if err := validateDate(from); err != nil {
		return CascadeResult{}, err
	}
	var res CascadeResult
	err := e.store.WithKeyLock(ctx, key, func(ctx context.Context, s SnapshotStore) error {
		var err error
		res, err = e.cascade(ctx, s, key, from)
		return err
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return res, nil
}

// Recalculate runs UpsertSnapshot and CascadeFromDate for the same date in
// one critical section.
func (e *Engine) Recalculate(ctx context.Context, in UpsertInput) (RecalcResult, error) {
	if err := validateUpsert(in); err != nil {
		return RecalcResult{}, err
	}
	started := time.Now()
	var res RecalcResult
	err := e.store.WithKeyLock(ctx, in.Key, func(ctx context.Context, s SnapshotStore) error {
		snap, err := e.upsert(ctx, s, in)
		if err != nil {
			return err
		}
		cascade, err := e.cascade(ctx, s, in.Key, in.Date)
		if err != nil {
			return err
		}
		res = RecalcResult{Snapshot: snap, Cascade: cascade}
		return nil
	})
	if err != nil {
		return RecalcResult{}, err
	}
	e.logger.Debug("snapshot recalculated",
		slog.String("key", in.Key.String()),
		slog.String("date", DateOnly(in.Date).Format(dateLayout)),
		slog.Int("cascade_dates", res.Cascade.Dates),
		slog.Int("cascade_changed", res.Cascade.Changed),
		slog.Duration("took", time.Since(started)),
	)
	e.notify(ctx, RecalculatedEvent{Key: in.Key, Date: DateOnly(in.Date), Result: res})
	return res, nil
}

// Rebuild recomputes a key from the first snapshot or movement date on or
// after from. It repairs chains left stale by failed recalculations.
func (e *Engine) Rebuild(ctx context.Context, key Key, from time.Time) (RecalcResult, error) {
	if err := key.Validate(); err != nil {
		return RecalcResult{}, err
	}
	from = DateOnly(from)
	if from.Before(chainFloor) {
		from = chainFloor
	}
	var res RecalcResult
	err := e.store.WithKeyLock(ctx, key, func(ctx context.Context, s SnapshotStore) error {
		start, ok, err := e.firstDate(ctx, s, key, from)
		if err != nil || !ok {
			return err
		}
		snap, err := e.upsert(ctx, s, UpsertInput{Key: key, Date: start})
		if err != nil {
			return err
		}
		cascade, err := e.cascade(ctx, s, key, start)
		if err != nil {
			return err
		}
		res = RecalcResult{Snapshot: snap, Cascade: cascade}
		return nil
	})
	if err != nil {
		return RecalcResult{}, err
	}
	if !res.Snapshot.Date.IsZero() {
		e.notify(ctx, RecalculatedEvent{Key: key, Date: res.Snapshot.Date, Result: res, Rebuild: true})
	}
	return res, nil
}

// Snapshots lists stored snapshots of key in [from, to].
func (e *Engine) Snapshots(ctx context.Context, key Key, from, to time.Time) ([]DailySnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	return e.store.SnapshotsBetween(ctx, key, DateOnly(from), DateOnly(to))
}

func (e *Engine) upsert(ctx context.Context, s SnapshotStore, in UpsertInput) (DailySnapshot, error) {
	date := DateOnly(in.Date)
	priorEnding := decimal.Zero
	prior, ok, err := s.LatestBefore(ctx, in.Key, date)
	if err != nil {
		return DailySnapshot{}, fmt.Errorf("inventory: prior snapshot: %w", err)
	}
	if ok {
		priorEnding = prior.Balance.Ending
	}
	moves, err := e.ledger.SumMovements(ctx, in.Key, date)
	if err != nil {
		return DailySnapshot{}, err
	}
	snap := DailySnapshot{
		Key:      in.Key,
		Date:     date,
		ItemName: firstNonEmpty(in.ItemName, prior.ItemName),
		UOM:      firstNonEmpty(in.UOM, prior.UOM),
		Balance:  ComputeSnapshot(priorEnding, moves),
	}
	if err := s.Upsert(ctx, snap); err != nil {
		return DailySnapshot{}, err
	}
	return snap, nil
}

func (e *Engine) cascade(ctx context.Context, s SnapshotStore, key Key, from time.Time) (CascadeResult, error) {
	from = DateOnly(from)
	res := CascadeResult{From: from}

	existing, err := s.SnapshotsAfter(ctx, key, from)
	if err != nil {
		return res, fmt.Errorf("inventory: snapshots after %s: %w", from.Format(dateLayout), err)
	}
	moveDates, err := e.ledger.MovementDates(ctx, key, from.AddDate(0, 0, 1))
	if err != nil {
		return res, err
	}
	byDate := make(map[time.Time]DailySnapshot, len(existing))
	for _, snap := range existing {
		byDate[snap.Date] = snap
	}
	dates := mergeDates(existing, moveDates, from)

	prevEnding := decimal.Zero
	var name, uom string
	anchor, ok, err := s.LatestOnOrBefore(ctx, key, from)
	if err != nil {
		return res, fmt.Errorf("inventory: cascade anchor: %w", err)
	}
	if ok {
		prevEnding = anchor.Balance.Ending
		name, uom = anchor.ItemName, anchor.UOM
	}

	for _, date := range dates {
		moves, err := e.ledger.SumMovements(ctx, key, date)
		if err != nil {
			return res, err
		}
		bal := ComputeSnapshot(prevEnding, moves)
		stored, had := byDate[date]
		if had {
			name = firstNonEmpty(stored.ItemName, name)
			uom = firstNonEmpty(stored.UOM, uom)
		}
		if !had || !stored.Balance.Equal(bal) {
			snap := DailySnapshot{Key: key, Date: date, ItemName: name, UOM: uom, Balance: bal}
			if err := s.Upsert(ctx, snap); err != nil {
				return res, err
			}
			res.Changed++
		}
		res.Dates++
		res.Last = date
		prevEnding = bal.Ending
	}
	return res, nil
}

func (e *Engine) firstDate(ctx context.Context, s SnapshotStore, key Key, from time.Time) (time.Time, bool, error) {
	var first time.Time
	snaps, err := s.SnapshotsAfter(ctx, key, from.AddDate(0, 0, -1))
	if err != nil {
		return first, false, err
	}
	if len(snaps) > 0 {
		first = snaps[0].Date
	}
	moveDates, err := e.ledger.MovementDates(ctx, key, from)
	if err != nil {
		return first, false, err
	}
	if len(moveDates) > 0 && (first.IsZero() || moveDates[0].Before(first)) {
		first = moveDates[0]
	}
	return first, !first.IsZero(), nil
}

func (e *Engine) notify(ctx context.Context, evt RecalculatedEvent) {
	if e.observer == nil {
		return
	}
	e.observer.SnapshotRecalculated(ctx, evt)
}

// mergeDates returns the sorted union of snapshot and movement dates after from.
func mergeDates(snaps []DailySnapshot, moveDates []time.Time, from time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(snaps)+len(moveDates))
	out := make([]time.Time, 0, len(snaps)+len(moveDates))
	add := func(d time.Time) {
		d = DateOnly(d)
		if !d.After(from) {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, snap := range snaps {
		add(snap.Date)
	}
	for _, d := range moveDates {
		add(d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func validateUpsert(in UpsertInput) error {
	if err := in.Key.Validate(); err != nil {
		return err
	}
	return validateDate(in.Date)
}

func validateRange(from, to time.Time) error {
	if err := validateDate(from); err != nil {
		return err
	}
	if err := validateDate(to); err != nil {
		return err
	}
	if DateOnly(from).After(DateOnly(to)) {
		return ErrInvalidRange
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

const dateLayout = "2006-01-02"

// chainFloor bounds Rebuild scans that start from the zero time.
var chainFloor = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
