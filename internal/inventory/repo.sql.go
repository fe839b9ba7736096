package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bonded-wms/stockbalance/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	pgStore
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, pgStore: pgStore{q: pool}}
}

var (
	_ Store       = (*Repository)(nil)
	_ ReportStore = (*Repository)(nil)
)

// WithKeyLock opens a READ COMMITTED transaction, takes a transaction-scoped
// advisory lock on the key and runs fn against the transaction.
func (r *Repository) WithKeyLock(ctx context.Context, key Key, fn func(context.Context, SnapshotStore) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
			return fmt.Errorf("inventory: advisory lock %s: %w", key, err)
		}
		return fn(ctx, &pgStore{q: tx})
	})
}

// OpeningSnapshots returns the newest snapshot before filter.From per key.
func (r *Repository) OpeningSnapshots(ctx context.Context, filter ReportFilter) ([]DailySnapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (item_type, item_code) `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND ($2 = '' OR item_type=$2) AND snapshot_date < $3
ORDER BY item_type, item_code, snapshot_date DESC`, filter.CompanyCode, string(filter.ItemType), filter.From)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

// PeriodSnapshots returns all snapshots in the report window.
func (r *Repository) PeriodSnapshots(ctx context.Context, filter ReportFilter) ([]DailySnapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND ($2 = '' OR item_type=$2) AND snapshot_date BETWEEN $3 AND $4
ORDER BY item_type, item_code, snapshot_date`, filter.CompanyCode, string(filter.ItemType), filter.From, filter.To)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

type pgStore struct {
	q querier
}

const snapshotColumns = `company_code, item_type, item_code, snapshot_date, item_name, uom,
beginning_balance, incoming_qty, outgoing_qty, adjustment_qty, ending_balance, updated_at`

func (s *pgStore) LatestBefore(ctx context.Context, key Key, date time.Time) (DailySnapshot, bool, error) {
	return s.one(ctx, `SELECT `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND snapshot_date < $4
ORDER BY snapshot_date DESC
LIMIT 1`, key.CompanyCode, string(key.ItemType), key.ItemCode, DateOnly(date))
}

func (s *pgStore) LatestOnOrBefore(ctx context.Context, key Key, date time.Time) (DailySnapshot, bool, error) {
	return s.one(ctx, `SELECT `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND snapshot_date <= $4
ORDER BY snapshot_date DESC
LIMIT 1`, key.CompanyCode, string(key.ItemType), key.ItemCode, DateOnly(date))
}

func (s *pgStore) SnapshotsAfter(ctx context.Context, key Key, date time.Time) ([]DailySnapshot, error) {
	rows, err := s.q.Query(ctx, `SELECT `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND snapshot_date > $4
ORDER BY snapshot_date ASC`, key.CompanyCode, string(key.ItemType), key.ItemCode, DateOnly(date))
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

func (s *pgStore) SnapshotsBetween(ctx context.Context, key Key, from, to time.Time) ([]DailySnapshot, error) {
	rows, err := s.q.Query(ctx, `SELECT `+snapshotColumns+`
FROM stock_daily_snapshots
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND snapshot_date BETWEEN $4 AND $5
ORDER BY snapshot_date ASC`, key.CompanyCode, string(key.ItemType), key.ItemCode, DateOnly(from), DateOnly(to))
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

func (s *pgStore) Upsert(ctx context.Context, snap DailySnapshot) error {
	b := snap.Balance
	_, err := s.q.Exec(ctx, `INSERT INTO stock_daily_snapshots (company_code, item_type, item_code, snapshot_date, item_name, uom,
beginning_balance, incoming_qty, outgoing_qty, adjustment_qty, ending_balance, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric,NOW())
ON CONFLICT (company_code, item_type, item_code, snapshot_date) DO UPDATE SET
	item_name=COALESCE(NULLIF(EXCLUDED.item_name, ''), stock_daily_snapshots.item_name),
	uom=COALESCE(NULLIF(EXCLUDED.uom, ''), stock_daily_snapshots.uom),
	beginning_balance=EXCLUDED.beginning_balance,
	incoming_qty=EXCLUDED.incoming_qty,
	outgoing_qty=EXCLUDED.outgoing_qty,
	adjustment_qty=EXCLUDED.adjustment_qty,
	ending_balance=EXCLUDED.ending_balance,
	updated_at=NOW()`,
		snap.CompanyCode, string(snap.ItemType), snap.ItemCode, DateOnly(snap.Date), snap.ItemName, snap.UOM,
		b.Beginning, b.Incoming, b.Outgoing, b.Adjustment, b.Ending)
	if err != nil {
		return fmt.Errorf("inventory: upsert snapshot %s %s: %w", snap.Key, snap.Date.Format("2006-01-02"), err)
	}
	return nil
}

func (s *pgStore) one(ctx context.Context, sql string, args ...any) (DailySnapshot, bool, error) {
	snap, err := scanSnapshot(s.q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DailySnapshot{}, false, nil
		}
		return DailySnapshot{}, false, err
	}
	return snap, true, nil
}

func scanSnapshot(row pgx.Row) (DailySnapshot, error) {
	var snap DailySnapshot
	var itemType string
	err := row.Scan(&snap.CompanyCode, &itemType, &snap.ItemCode, &snap.Date, &snap.ItemName, &snap.UOM,
		&snap.Balance.Beginning, &snap.Balance.Incoming, &snap.Balance.Outgoing, &snap.Balance.Adjustment, &snap.Balance.Ending,
		&snap.UpdatedAt)
	if err != nil {
		return DailySnapshot{}, err
	}
	snap.ItemType = ItemType(itemType)
	snap.Date = DateOnly(snap.Date)
	return snap, nil
}

func collectSnapshots(rows pgx.Rows) ([]DailySnapshot, error) {
	defer rows.Close()
	snaps := []DailySnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}
