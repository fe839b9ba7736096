package movements

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
)

// TxStore is the write surface available inside a transaction.
type TxStore interface {
	Insert(ctx context.Context, src ledger.Source, in CreateInput) (Movement, error)
	// GetForUpdate loads a live row and locks it for the transaction.
	GetForUpdate(ctx context.Context, src ledger.Source, id int64) (Movement, error)
	Update(ctx context.Context, src ledger.Source, m Movement) (Movement, error)
	SoftDelete(ctx context.Context, src ledger.Source, id int64) error
	// LockKey serialises stock-reducing writers of key until the
	// transaction ends.
	LockKey(ctx context.Context, key inventory.Key) error
	// Balances reads running balances from the source rows this
	// transaction sees, its own writes included.
	Balances() inventory.BalanceSource
}

// Repository runs writes in a serializable transaction and serves reads.
type Repository interface {
	WithWriteTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	Get(ctx context.Context, src ledger.Source, id int64) (Movement, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgRepository stores movements in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgRepository)(nil)

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// WithWriteTx runs fn in a SERIALIZABLE transaction.
func (r *PgRepository) WithWriteTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, txStore{q: tx})
	})
}

// Get loads a live row outside any transaction.
func (r *PgRepository) Get(ctx context.Context, src ledger.Source, id int64) (Movement, error) {
	return getMovement(ctx, r.pool, src, id, false)
}

type txStore struct {
	q querier
}

const movementColumns = `id, company_code, item_type, item_code, COALESCE(item_name, ''), COALESCE(uom, ''),
	qty, transaction_date, COALESCE(wms_id, ''), COALESCE(ppkek, ''), created_at, updated_at`

func (s txStore) Insert(ctx context.Context, src ledger.Source, in CreateInput) (Movement, error) {
	cols := "company_code, item_type, item_code, item_name, uom, qty, transaction_date, wms_id, ppkek"
	vals := "$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, '')"
	args := []any{in.Key.CompanyCode, string(in.Key.ItemType), in.Key.ItemCode, in.ItemName, in.UOM,
		in.Qty, inventory.DateOnly(in.Date), in.WMSID, in.PPKEK}
	if src.Column != "" {
		cols += ", " + src.Column
		vals += ", $10"
		args = append(args, src.Value)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s, created_at, updated_at) VALUES (%s, NOW(), NOW())
RETURNING %s`, src.Table, cols, vals, movementColumns)
	m, err := scanMovement(s.q.QueryRow(ctx, sql, args...))
	if err != nil {
		return Movement{}, fmt.Errorf("movements: insert %s: %w", src.Kind, err)
	}
	m.Kind = src.Kind
	return m, nil
}

func (s txStore) GetForUpdate(ctx context.Context, src ledger.Source, id int64) (Movement, error) {
	return getMovement(ctx, s.q, src, id, true)
}

func (s txStore) Update(ctx context.Context, src ledger.Source, m Movement) (Movement, error) {
	sql := fmt.Sprintf(`UPDATE %s SET qty = $2, transaction_date = $3, item_name = NULLIF($4, ''), uom = NULLIF($5, ''),
	wms_id = NULLIF($6, ''), ppkek = NULLIF($7, ''), updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s
RETURNING %s`, src.Table, src.Filter(), movementColumns)
	out, err := scanMovement(s.q.QueryRow(ctx, sql, m.ID, m.Qty, inventory.DateOnly(m.Date), m.ItemName, m.UOM, m.WMSID, m.PPKEK))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrNotFound
	}
	if err != nil {
		return Movement{}, fmt.Errorf("movements: update %s #%d: %w", src.Kind, m.ID, err)
	}
	out.Kind = src.Kind
	return out, nil
}

func (s txStore) SoftDelete(ctx context.Context, src ledger.Source, id int64) error {
	tag, err := s.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = NOW(), updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s`, src.Table, src.Filter()), id)
	if err != nil {
		return fmt.Errorf("movements: delete %s #%d: %w", src.Kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s txStore) LockKey(ctx context.Context, key inventory.Key) error {
	if _, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "movements:"+key.String()); err != nil {
		return fmt.Errorf("movements: lock %s: %w", key, err)
	}
	return nil
}

func (s txStore) Balances() inventory.BalanceSource {
	return ledger.NewBalances(s.q)
}

func getMovement(ctx context.Context, q querier, src ledger.Source, id int64, lock bool) (Movement, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND deleted_at IS NULL AND %s`, movementColumns, src.Table, src.Filter())
	if lock {
		sql += " FOR UPDATE"
	}
	m, err := scanMovement(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrNotFound
	}
	if err != nil {
		return Movement{}, fmt.Errorf("movements: get %s #%d: %w", src.Kind, id, err)
	}
	m.Kind = src.Kind
	return m, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var itemType string
	err := row.Scan(&m.ID, &m.Key.CompanyCode, &itemType, &m.Key.ItemCode, &m.ItemName, &m.UOM,
		&m.Qty, &m.Date, &m.WMSID, &m.PPKEK, &m.CreatedAt, &m.UpdatedAt)
	m.Key.ItemType = inventory.ItemType(itemType)
	m.Date = inventory.DateOnly(m.Date)
	return m, err
}
