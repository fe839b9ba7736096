package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/inventory"
)

// Querier is the read surface shared by pgx.Tx and pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Balances derives running balances straight from the source rows, so a
// writer sees its own uncommitted rows and everything committed before its
// snapshot. Only Ending is filled on the returned snapshots.
type Balances struct {
	q Querier
}

// NewBalances binds Balances to q, usually a write transaction.
func NewBalances(q Querier) Balances {
	return Balances{q: q}
}

var _ inventory.BalanceSource = Balances{}

var (
	balanceOnOrBeforeSQL = buildBalanceOnOrBeforeSQL()
	balancesAfterSQL     = buildBalancesAfterSQL()
)

// LatestOnOrBefore returns the balance after every movement dated on or
// before date, stamped with the latest such movement date.
func (b Balances) LatestOnOrBefore(ctx context.Context, key inventory.Key, date time.Time) (inventory.DailySnapshot, bool, error) {
	var ending decimal.Decimal
	var last *time.Time
	err := b.q.QueryRow(ctx, balanceOnOrBeforeSQL, key.CompanyCode, string(key.ItemType), key.ItemCode, inventory.DateOnly(date)).
		Scan(&ending, &last)
	if err != nil {
		return inventory.DailySnapshot{}, false, fmt.Errorf("ledger: balance %s %s: %w", key, date.Format("2006-01-02"), err)
	}
	if last == nil {
		return inventory.DailySnapshot{}, false, nil
	}
	return inventory.DailySnapshot{Key: key, Date: inventory.DateOnly(*last), Balance: inventory.Balance{Ending: ending}}, true, nil
}

// SnapshotsAfter returns the running balance of every movement date after date.
func (b Balances) SnapshotsAfter(ctx context.Context, key inventory.Key, date time.Time) ([]inventory.DailySnapshot, error) {
	rows, err := b.q.Query(ctx, balancesAfterSQL, key.CompanyCode, string(key.ItemType), key.ItemCode, inventory.DateOnly(date))
	if err != nil {
		return nil, fmt.Errorf("ledger: balances after %s: %w", key, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.DailySnapshot, error) {
		snap := inventory.DailySnapshot{Key: key}
		err := row.Scan(&snap.Date, &snap.Balance.Ending)
		snap.Date = inventory.DateOnly(snap.Date)
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: balances after %s: %w", key, err)
	}
	return out, nil
}

// signedDeltas selects transaction_date and the signed qty of every live row
// of the key, with extra appended to each source's predicate.
func signedDeltas(extra string) string {
	parts := make([]string, 0, len(Sources))
	for _, src := range Sources {
		delta := "-qty"
		if src.Increases() {
			delta = "qty"
		}
		where := src.Filter() + " AND " + keyPredicate
		if extra != "" {
			where += " AND " + extra
		}
		parts = append(parts, fmt.Sprintf(`SELECT transaction_date, %s AS delta FROM %s WHERE %s`, delta, src.Table, where))
	}
	return strings.Join(parts, "\n\tUNION ALL\n\t")
}

func buildBalanceOnOrBeforeSQL() string {
	return fmt.Sprintf(`SELECT COALESCE(SUM(delta), 0), MAX(transaction_date) FROM (
	%s
) m`, signedDeltas("transaction_date <= $4"))
}

func buildBalancesAfterSQL() string {
	return fmt.Sprintf(`SELECT transaction_date, ending FROM (
	SELECT transaction_date, SUM(SUM(delta)) OVER (ORDER BY transaction_date) AS ending
	FROM (
	%s
	) m
	GROUP BY transaction_date
) r
WHERE transaction_date > $4
ORDER BY transaction_date`, signedDeltas(""))
}
