package recalc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/inventory"
)

// newPgQueue connects to STOCKBALANCE_TEST_PG_DSN, a database migrated with
// db/migrations. Rows are scoped to a fresh item code and removed afterwards.
func newPgQueue(t *testing.T) (*QueueRepository, *pgxpool.Pool, inventory.Key) {
	t.Helper()
	dsn := os.Getenv("STOCKBALANCE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("set STOCKBALANCE_TEST_PG_DSN to run queue tests against PostgreSQL")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	key := inventory.Key{CompanyCode: 1310, ItemType: inventory.ItemTypeRawMaterial, ItemCode: "QT-" + uuid.NewString()[:8]}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM snapshot_recalc_queue WHERE company_code = $1 AND item_type = $2 AND item_code = $3`,
			key.CompanyCode, string(key.ItemType), key.ItemCode)
		pool.Close()
	})
	return NewQueueRepository(pool), pool, key
}

func loadEntry(t *testing.T, pool *pgxpool.Pool, id int64) QueueEntry {
	t.Helper()
	rows, err := pool.Query(context.Background(), `SELECT `+queueColumns+` FROM snapshot_recalc_queue WHERE id = $1`, id)
	require.NoError(t, err)
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	require.NoError(t, err)
	return e
}

func countPending(t *testing.T, pool *pgxpool.Pool, key inventory.Key) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM snapshot_recalc_queue
WHERE status = 'PENDING' AND company_code = $1 AND item_type = $2 AND item_code = $3`,
		key.CompanyCode, string(key.ItemType), key.ItemCode).Scan(&n))
	return n
}

// markProcessing fakes a claim by worker-a made age ago.
func markProcessing(t *testing.T, pool *pgxpool.Pool, id int64, age time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `UPDATE snapshot_recalc_queue
SET status = 'PROCESSING', locked_by = 'worker-a', locked_at = $2 WHERE id = $1`, id, time.Now().Add(-age))
	require.NoError(t, err)
}

func TestPgEnqueueKeepsEarliestDateAndHighestPriority(t *testing.T) {
	q, pool, key := newPgQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Request{Key: key, ItemName: "Resin", Date: day("2024-01-05"), Reason: "a"}, PrioritySameDay)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-02"), Reason: "b"}, PrioritySameDay)
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, Request{Key: key, UOM: "KG", Date: day("2024-01-08"), Reason: "c"}, PriorityBackdated)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, first, third)
	require.Equal(t, 1, countPending(t, pool, key))

	e := loadEntry(t, pool, first)
	require.Equal(t, day("2024-01-02"), e.Request.Date)
	require.Equal(t, PriorityBackdated, e.Priority)
	require.Equal(t, "Resin", e.Request.ItemName)
	require.Equal(t, "KG", e.Request.UOM)
	require.Equal(t, StatusPending, e.Status)
}

func TestPgRetryFoldsIntoNewerPendingRow(t *testing.T) {
	q, pool, key := newPgQueue(t)
	ctx := context.Background()

	claimed, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-03")}, PriorityBackdated)
	require.NoError(t, err)
	markProcessing(t, pool, claimed, time.Second)
	pending, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-10")}, PrioritySameDay)
	require.NoError(t, err)
	require.NotEqual(t, claimed, pending)

	entry := loadEntry(t, pool, claimed)
	require.NoError(t, q.Retry(ctx, entry, 2, "db down", time.Now().Add(time.Minute)))

	merged := loadEntry(t, pool, pending)
	require.Equal(t, day("2024-01-03"), merged.Request.Date)
	require.Equal(t, PriorityBackdated, merged.Priority)
	require.Equal(t, 2, merged.Attempts)
	require.Equal(t, "db down", merged.LastError)

	done := loadEntry(t, pool, claimed)
	require.Equal(t, StatusDone, done.Status)
	require.Equal(t, "merged into pending request: db down", done.LastError)
	require.Equal(t, 1, countPending(t, pool, key))
}

func TestPgRetryReschedulesWhenAlone(t *testing.T) {
	q, pool, key := newPgQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-03")}, PrioritySameDay)
	require.NoError(t, err)
	markProcessing(t, pool, id, time.Second)

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, q.Retry(ctx, loadEntry(t, pool, id), 1, "timeout", next))

	e := loadEntry(t, pool, id)
	require.Equal(t, StatusPending, e.Status)
	require.Equal(t, 1, e.Attempts)
	require.Empty(t, e.LockedBy)
	require.True(t, e.NextAttemptAt.Equal(next))
}

func TestPgReleaseStaleMergesOrReverts(t *testing.T) {
	q, pool, key := newPgQueue(t)
	ctx := context.Background()

	stale, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-01")}, PriorityBackdated)
	require.NoError(t, err)
	markProcessing(t, pool, stale, time.Hour)
	pending, err := q.Enqueue(ctx, Request{Key: key, Date: day("2024-01-06")}, PrioritySameDay)
	require.NoError(t, err)

	_, err = q.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)

	merged := loadEntry(t, pool, pending)
	require.Equal(t, day("2024-01-01"), merged.Request.Date)
	require.Equal(t, PriorityBackdated, merged.Priority)
	require.Equal(t, StatusDone, loadEntry(t, pool, stale).Status)
	require.Equal(t, 1, countPending(t, pool, key))

	markProcessing(t, pool, pending, time.Hour)
	_, err = q.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	reverted := loadEntry(t, pool, pending)
	require.Equal(t, StatusPending, reverted.Status)
	require.Empty(t, reverted.LockedBy)
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}
