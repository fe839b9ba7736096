package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/inventory"
)

// Reader sums movements from the source tables. It runs on the pool, never
// inside a writer's transaction, so it only observes committed rows.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader constructs Reader.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

var _ inventory.LedgerReader = (*Reader)(nil)

var (
	sumMovementsSQL  = buildSumMovementsSQL()
	movementDatesSQL = buildMovementDatesSQL()
	changedKeysSQL   = buildChangedKeysSQL()
)

// SumMovements returns incoming, outgoing and signed adjustment for one day.
func (r *Reader) SumMovements(ctx context.Context, key inventory.Key, date time.Time) (inventory.Movements, error) {
	var in, out, adj decimal.Decimal
	err := r.pool.QueryRow(ctx, sumMovementsSQL, key.CompanyCode, string(key.ItemType), key.ItemCode, inventory.DateOnly(date)).
		Scan(&in, &out, &adj)
	if err != nil {
		return inventory.Movements{}, fmt.Errorf("ledger: sum movements %s %s: %w", key, date.Format("2006-01-02"), err)
	}
	return inventory.Movements{Incoming: in, Outgoing: out, Adjustment: adj}, nil
}

// MovementDates lists the distinct dates on or after from carrying movements.
func (r *Reader) MovementDates(ctx context.Context, key inventory.Key, from time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, movementDatesSQL, key.CompanyCode, string(key.ItemType), key.ItemCode, inventory.DateOnly(from))
	if err != nil {
		return nil, fmt.Errorf("ledger: movement dates %s: %w", key, err)
	}
	dates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (time.Time, error) {
		var d time.Time
		err := row.Scan(&d)
		return inventory.DateOnly(d), err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: movement dates %s: %w", key, err)
	}
	return dates, nil
}

// ChangedKeys lists keys with source rows created, edited or soft-deleted
// at or after since.
func (r *Reader) ChangedKeys(ctx context.Context, since time.Time) ([]inventory.Key, error) {
	rows, err := r.pool.Query(ctx, changedKeysSQL, since)
	if err != nil {
		return nil, fmt.Errorf("ledger: changed keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Key, error) {
		var key inventory.Key
		var itemType string
		err := row.Scan(&key.CompanyCode, &itemType, &key.ItemCode)
		key.ItemType = inventory.ItemType(itemType)
		return key, err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: changed keys: %w", err)
	}
	return keys, nil
}

const keyPredicate = `deleted_at IS NULL AND company_code = $1 AND item_type = $2 AND item_code = $3`

func buildSumMovementsSQL() string {
	parts := make([]string, 0, len(Sources))
	for _, src := range Sources {
		parts = append(parts, fmt.Sprintf(`SELECT '%s' AS bucket, qty FROM %s WHERE %s AND %s AND transaction_date = $4`,
			src.Bucket, src.Table, src.Filter(), keyPredicate))
	}
	return fmt.Sprintf(`SELECT
	COALESCE(SUM(qty) FILTER (WHERE bucket = '%s'), 0),
	COALESCE(SUM(qty) FILTER (WHERE bucket = '%s'), 0),
	COALESCE(SUM(qty) FILTER (WHERE bucket = '%s'), 0) - COALESCE(SUM(qty) FILTER (WHERE bucket = '%s'), 0)
FROM (
	%s
) m`, BucketIncoming, BucketOutgoing, BucketGain, BucketLoss, strings.Join(parts, "\n\tUNION ALL\n\t"))
}

func buildMovementDatesSQL() string {
	parts := make([]string, 0, len(tables()))
	for _, table := range tables() {
		parts = append(parts, fmt.Sprintf(`SELECT transaction_date FROM %s WHERE %s AND transaction_date >= $4`, table, keyPredicate))
	}
	return fmt.Sprintf(`SELECT DISTINCT transaction_date FROM (
	%s
) d
ORDER BY transaction_date`, strings.Join(parts, "\n\tUNION ALL\n\t"))
}

func buildChangedKeysSQL() string {
	parts := make([]string, 0, len(tables()))
	for _, table := range tables() {
		parts = append(parts, fmt.Sprintf(`SELECT company_code, item_type, item_code FROM %s WHERE GREATEST(created_at, updated_at, COALESCE(deleted_at, created_at)) >= $1`, table))
	}
	return fmt.Sprintf(`SELECT DISTINCT company_code, item_type, item_code FROM (
	%s
) k
ORDER BY company_code, item_type, item_code`, strings.Join(parts, "\n\tUNION ALL\n\t"))
}

// tables returns each source table once.
func tables() []string {
	seen := make(map[string]struct{}, len(Sources))
	out := make([]string, 0, len(Sources))
	for _, src := range Sources {
		if _, ok := seen[src.Table]; ok {
			continue
		}
		seen[src.Table] = struct{}{}
		out = append(out, src.Table)
	}
	return out
}
