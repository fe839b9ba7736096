package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryStore struct {
	mu      sync.Mutex
	keyMu   map[Key]*sync.Mutex
	rows    map[Key]map[time.Time]DailySnapshot
	upserts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		keyMu: make(map[Key]*sync.Mutex),
		rows:  make(map[Key]map[time.Time]DailySnapshot),
	}
}

func (s *memoryStore) WithKeyLock(ctx context.Context, key Key, fn func(context.Context, SnapshotStore) error) error {
	s.mu.Lock()
	m, ok := s.keyMu[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyMu[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	defer m.Unlock()
	return fn(ctx, s)
}

func (s *memoryStore) sorted(key Key) []DailySnapshot {
	out := make([]DailySnapshot, 0, len(s.rows[key]))
	for _, snap := range s.rows[key] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (s *memoryStore) LatestBefore(_ context.Context, key Key, date time.Time) (DailySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found DailySnapshot
	ok := false
	for _, snap := range s.sorted(key) {
		if snap.Date.Before(date) {
			found, ok = snap, true
		}
	}
	return found, ok, nil
}

func (s *memoryStore) LatestOnOrBefore(_ context.Context, key Key, date time.Time) (DailySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found DailySnapshot
	ok := false
	for _, snap := range s.sorted(key) {
		if !snap.Date.After(date) {
			found, ok = snap, true
		}
	}
	return found, ok, nil
}

func (s *memoryStore) SnapshotsAfter(_ context.Context, key Key, date time.Time) ([]DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DailySnapshot{}
	for _, snap := range s.sorted(key) {
		if snap.Date.After(date) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *memoryStore) SnapshotsBetween(_ context.Context, key Key, from, to time.Time) ([]DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DailySnapshot{}
	for _, snap := range s.sorted(key) {
		if !snap.Date.Before(from) && !snap.Date.After(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *memoryStore) Upsert(_ context.Context, snap DailySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[snap.Key] == nil {
		s.rows[snap.Key] = make(map[time.Time]DailySnapshot)
	}
	if prev, ok := s.rows[snap.Key][snap.Date]; ok {
		snap.ItemName = firstNonEmpty(snap.ItemName, prev.ItemName)
		snap.UOM = firstNonEmpty(snap.UOM, prev.UOM)
	}
	s.rows[snap.Key][snap.Date] = snap
	s.upserts++
	return nil
}

func (s *memoryStore) OpeningSnapshots(_ context.Context, filter ReportFilter) ([]DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DailySnapshot{}
	for key := range s.rows {
		if !filter.matches(key) {
			continue
		}
		var last *DailySnapshot
		for _, snap := range s.sorted(key) {
			if snap.Date.Before(filter.From) {
				snap := snap
				last = &snap
			}
		}
		if last != nil {
			out = append(out, *last)
		}
	}
	return out, nil
}

func (s *memoryStore) PeriodSnapshots(_ context.Context, filter ReportFilter) ([]DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DailySnapshot{}
	for key := range s.rows {
		if !filter.matches(key) {
			continue
		}
		for _, snap := range s.sorted(key) {
			if !snap.Date.Before(filter.From) && !snap.Date.After(filter.To) {
				out = append(out, snap)
			}
		}
	}
	return out, nil
}

func (f ReportFilter) matches(key Key) bool {
	return key.CompanyCode == f.CompanyCode && (f.ItemType == "" || key.ItemType == f.ItemType)
}

func (s *memoryStore) get(key Key, date time.Time) (DailySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[key][DateOnly(date)]
	return snap, ok
}

type ledgerRow struct {
	id      int64
	key     Key
	date    time.Time
	in      decimal.Decimal
	out     decimal.Decimal
	adj     decimal.Decimal
	deleted bool
}

type memoryLedger struct {
	mu     sync.Mutex
	rows   []*ledgerRow
	nextID int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{}
}

func (l *memoryLedger) add(key Key, date time.Time, in, out, adj string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.rows = append(l.rows, &ledgerRow{
		id:   l.nextID,
		key:  key,
		date: DateOnly(date),
		in:   decimal.RequireFromString(in),
		out:  decimal.RequireFromString(out),
		adj:  decimal.RequireFromString(adj),
	})
	return l.nextID
}

func (l *memoryLedger) incoming(key Key, date time.Time, qty string) int64 {
	return l.add(key, date, qty, "0", "0")
}

func (l *memoryLedger) outgoing(key Key, date time.Time, qty string) int64 {
	return l.add(key, date, "0", qty, "0")
}

func (l *memoryLedger) adjust(key Key, date time.Time, signed string) int64 {
	return l.add(key, date, "0", "0", signed)
}

func (l *memoryLedger) edit(id int64, fn func(*ledgerRow)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.id == id {
			fn(row)
		}
	}
}

func (l *memoryLedger) remove(id int64) {
	l.edit(id, func(r *ledgerRow) { r.deleted = true })
}

func (l *memoryLedger) SumMovements(_ context.Context, key Key, date time.Time) (Movements, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := Movements{Incoming: decimal.Zero, Outgoing: decimal.Zero, Adjustment: decimal.Zero}
	for _, row := range l.rows {
		if row.deleted || row.key != key || !row.date.Equal(DateOnly(date)) {
			continue
		}
		m.Incoming = m.Incoming.Add(row.in)
		m.Outgoing = m.Outgoing.Add(row.out)
		m.Adjustment = m.Adjustment.Add(row.adj)
	}
	return m, nil
}

func (l *memoryLedger) MovementDates(_ context.Context, key Key, from time.Time) ([]time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := map[time.Time]bool{}
	out := []time.Time{}
	for _, row := range l.rows {
		if row.deleted || row.key != key || row.date.Before(DateOnly(from)) || seen[row.date] {
			continue
		}
		seen[row.date] = true
		out = append(out, row.date)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
