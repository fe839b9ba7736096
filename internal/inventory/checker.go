package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Checker answers stock questions from a BalanceSource, by default the
// snapshot table. It never writes.
type Checker struct {
	store       BalanceSource
	sameDayOnly bool
	group       singleflight.Group
}

// CheckerOption customises Checker.
type CheckerOption func(*Checker)

// WithSameDayOnly limits projections to the dates of the change itself,
// ignoring later snapshots.
func WithSameDayOnly() CheckerOption {
	return func(c *Checker) {
		c.sameDayOnly = true
	}
}

// NewChecker builds Checker.
func NewChecker(store BalanceSource, opts ...CheckerOption) *Checker {
	c := &Checker{store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Within returns a checker with the same options reading from src. Loads
// are not shared with c.
func (c *Checker) Within(src BalanceSource) *Checker {
	return &Checker{store: src, sameDayOnly: c.sameDayOnly}
}

// CheckAvailability reports whether qty can be taken out of key on date.
// CurrentStock is the ending of the latest snapshot on or before date;
// Available and Shortfall compare qty with it alone. The effect on later
// dates is reported through ProjectedMinimum and FirstNegativeDate.
func (c *Checker) CheckAvailability(ctx context.Context, key Key, qty decimal.Decimal, date time.Time) (Availability, error) {
	if err := key.Validate(); err != nil {
		return Availability{}, err
	}
	if err := validateDate(date); err != nil {
		return Availability{}, err
	}
	if err := ValidateQty(qty); err != nil {
		return Availability{}, err
	}
	qty = normalizeQty(qty)
	proj, err := c.Project(ctx, key, []DatedDelta{{Date: date, Qty: qty.Neg()}})
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		CurrentStock:      proj.Current,
		Available:         qty.LessThanOrEqual(proj.Current),
		Shortfall:         maxZero(qty.Sub(proj.Current)),
		ProjectedMinimum:  proj.Minimum,
		FirstNegativeDate: proj.FirstNegative,
	}, nil
}

// CheckBalanceWontGoNegative checks that replacing OldQty with NewQty on an
// increasing transaction keeps every projected balance non-negative.
func (c *Checker) CheckBalanceWontGoNegative(ctx context.Context, chk ChangeCheck) (Availability, error) {
	if err := chk.Key.Validate(); err != nil {
		return Availability{}, err
	}
	if err := validateDate(chk.Date); err != nil {
		return Availability{}, err
	}
	if err := ValidateQty(chk.OldQty); err != nil {
		return Availability{}, err
	}
	if err := ValidateQty(chk.NewQty); err != nil {
		return Availability{}, err
	}
	delta := normalizeQty(chk.NewQty).Sub(normalizeQty(chk.OldQty))
	return c.checkDeltas(ctx, chk.Key, []DatedDelta{{Date: chk.Date, Qty: delta}})
}

// CheckDeltas checks a set of dated changes, such as an edit that moves a
// transaction to another date.
func (c *Checker) CheckDeltas(ctx context.Context, key Key, deltas []DatedDelta) (Availability, error) {
	if err := key.Validate(); err != nil {
		return Availability{}, err
	}
	if len(deltas) == 0 {
		return Availability{}, fmt.Errorf("%w: no changes to check", ErrInvalidQuantity)
	}
	for _, d := range deltas {
		if err := validateDate(d.Date); err != nil {
			return Availability{}, err
		}
	}
	return c.checkDeltas(ctx, key, deltas)
}

func (c *Checker) checkDeltas(ctx context.Context, key Key, deltas []DatedDelta) (Availability, error) {
	proj, err := c.Project(ctx, key, deltas)
	if err != nil {
		return Availability{}, err
	}
	out := Availability{
		CurrentStock:      proj.Current,
		Available:         !proj.Minimum.IsNegative(),
		ProjectedMinimum:  proj.Minimum,
		FirstNegativeDate: proj.FirstNegative,
		Shortfall:         maxZero(proj.Minimum.Neg()),
	}
	if onlyIncreases(deltas) {
		out.Available = true
		out.Shortfall = decimal.Zero
		out.FirstNegativeDate = nil
	}
	return out, nil
}

// Projection is the effect of dated deltas on a key's balances.
type Projection struct {
	// Current is the stored balance on the earliest delta date.
	Current decimal.Decimal
	// Minimum is the lowest projected balance over the checked dates.
	Minimum       decimal.Decimal
	FirstNegative *time.Time
}

// Project applies deltas to the stored chain. Each delta shifts the balance
// of its own date and every later date.
func (c *Checker) Project(ctx context.Context, key Key, deltas []DatedDelta) (Projection, error) {
	sorted := make([]DatedDelta, len(deltas))
	for i, d := range deltas {
		sorted[i] = DatedDelta{Date: DateOnly(d.Date), Qty: normalizeQty(d.Qty)}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	start := sorted[0].Date

	w, err := c.window(ctx, key, start)
	if err != nil {
		return Projection{}, err
	}

	points := make([]time.Time, 0, len(sorted)+len(w.later))
	for _, d := range sorted {
		points = append(points, d.Date)
	}
	if !c.sameDayOnly {
		for _, snap := range w.later {
			points = append(points, snap.Date)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	proj := Projection{Current: w.base}
	stored := w.base
	shift := decimal.Zero
	si, di := 0, 0
	first := true
	var last time.Time
	for _, p := range points {
		if !first && p.Equal(last) {
			continue
		}
		for si < len(w.later) && !w.later[si].Date.After(p) {
			stored = w.later[si].Balance.Ending
			si++
		}
		for di < len(sorted) && !sorted[di].Date.After(p) {
			shift = shift.Add(sorted[di].Qty)
			di++
		}
		projected := stored.Add(shift)
		if first || projected.LessThan(proj.Minimum) {
			proj.Minimum = projected
		}
		if projected.IsNegative() && proj.FirstNegative == nil {
			d := p
			proj.FirstNegative = &d
		}
		first = false
		last = p
	}
	return proj, nil
}

type window struct {
	base  decimal.Decimal
	later []DailySnapshot
}

// window loads the balance on start and every later snapshot. Concurrent
// checks of the same key and date share one load.
func (c *Checker) window(ctx context.Context, key Key, start time.Time) (window, error) {
	v, err, _ := c.group.Do(key.String()+"@"+start.Format(dateLayout), func() (any, error) {
		w := window{base: decimal.Zero}
		snap, ok, err := c.store.LatestOnOrBefore(ctx, key, start)
		if err != nil {
			return nil, fmt.Errorf("inventory: current stock: %w", err)
		}
		if ok {
			w.base = snap.Balance.Ending
		}
		w.later, err = c.store.SnapshotsAfter(ctx, key, start)
		if err != nil {
			return nil, fmt.Errorf("inventory: later snapshots: %w", err)
		}
		return w, nil
	})
	if err != nil {
		return window{}, err
	}
	return v.(window), nil
}

func onlyIncreases(deltas []DatedDelta) bool {
	for _, d := range deltas {
		if d.Qty.IsNegative() {
			return false
		}
	}
	return true
}

// Require turns a failed availability into an *InsufficientStockError.
func Require(key Key, date time.Time, requested decimal.Decimal, a Availability) error {
	if a.Available {
		return nil
	}
	shortfall := a.Shortfall
	if gap := a.ProjectedMinimum.Neg(); gap.GreaterThan(shortfall) {
		shortfall = gap
	}
	return &InsufficientStockError{
		Key:          key,
		Date:         DateOnly(date),
		Requested:    requested,
		CurrentStock: a.CurrentStock,
		Shortfall:    shortfall,
		NegativeOn:   a.FirstNegativeDate,
	}
}
