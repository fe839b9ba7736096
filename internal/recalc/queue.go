package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
)

// Status is the lifecycle state of a queue row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// QueueEntry is one snapshot_recalc_queue row.
type QueueEntry struct {
	ID            int64
	Request       Request
	Status        Status
	Priority      int
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	LockedBy      string
	QueuedAt      time.Time
	ProcessedAt   *time.Time
}

// QueueStats counts rows per status.
type QueueStats map[Status]int64

// QueueRepository stores recalculation requests in PostgreSQL.
type QueueRepository struct {
	pool *pgxpool.Pool
}

// NewQueueRepository constructs QueueRepository.
func NewQueueRepository(pool *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

// Enqueue inserts a PENDING row. A key already pending keeps one row with
// the earliest date and the highest priority.
func (r *QueueRepository) Enqueue(ctx context.Context, req Request, priority int) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO snapshot_recalc_queue (company_code, item_type, item_code, item_name, uom,
	recalc_date, status, priority, reason, attempts, next_attempt_at, queued_at)
VALUES ($1,$2,$3,$4,$5,$6,'PENDING',$7,$8,0,NOW(),NOW())
ON CONFLICT (company_code, item_type, item_code) WHERE status = 'PENDING' DO UPDATE SET
	recalc_date = LEAST(snapshot_recalc_queue.recalc_date, EXCLUDED.recalc_date),
	priority = GREATEST(snapshot_recalc_queue.priority, EXCLUDED.priority),
	item_name = COALESCE(NULLIF(EXCLUDED.item_name, ''), snapshot_recalc_queue.item_name),
	uom = COALESCE(NULLIF(EXCLUDED.uom, ''), snapshot_recalc_queue.uom),
	reason = EXCLUDED.reason,
	next_attempt_at = LEAST(snapshot_recalc_queue.next_attempt_at, EXCLUDED.next_attempt_at)
RETURNING id`,
		req.Key.CompanyCode, string(req.Key.ItemType), req.Key.ItemCode, req.ItemName, req.UOM,
		inventory.DateOnly(req.Date), priority, req.Reason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recalc: enqueue: %w", err)
	}
	return id, nil
}

// Claim moves up to limit due PENDING rows to PROCESSING for worker,
// highest priority and oldest first. Rows claimed by other workers are skipped.
func (r *QueueRepository) Claim(ctx context.Context, worker string, limit int) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `UPDATE snapshot_recalc_queue q
SET status = 'PROCESSING', locked_by = $1, locked_at = NOW()
WHERE q.id IN (
	SELECT id FROM snapshot_recalc_queue
	WHERE status = 'PENDING' AND next_attempt_at <= NOW()
	ORDER BY priority DESC, queued_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING `+queueColumns, worker, limit)
	if err != nil {
		return nil, fmt.Errorf("recalc: claim: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("recalc: claim: %w", err)
	}
	sortEntries(entries)
	return entries, nil
}

// MarkDone completes a row.
func (r *QueueRepository) MarkDone(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE snapshot_recalc_queue
SET status = 'DONE', processed_at = NOW(), last_error = NULL, locked_by = NULL, locked_at = NULL
WHERE id = $1`, id)
	return err
}

// MarkFailed dead-letters a row.
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, attempts int, cause string) error {
	_, err := r.pool.Exec(ctx, `UPDATE snapshot_recalc_queue
SET status = 'FAILED', attempts = $2, last_error = $3, processed_at = NOW(), locked_by = NULL, locked_at = NULL
WHERE id = $1`, id, attempts, cause)
	return err
}

// Retry returns a row to PENDING after a failed attempt. When a newer
// PENDING row exists for the key, the retry is folded into it.
func (r *QueueRepository) Retry(ctx context.Context, entry QueueEntry, attempts int, cause string, next time.Time) error {
	return db.WithTxOptions(ctx, r.pool, readCommitted, func(tx pgx.Tx) error {
		key := entry.Request.Key
		tag, err := tx.Exec(ctx, `UPDATE snapshot_recalc_queue
SET recalc_date = LEAST(recalc_date, $4), priority = GREATEST(priority, $5),
	attempts = GREATEST(attempts, $6), last_error = $7, next_attempt_at = $8
WHERE status = 'PENDING' AND company_code = $1 AND item_type = $2 AND item_code = $3 AND id <> $9`,
			key.CompanyCode, string(key.ItemType), key.ItemCode, inventory.DateOnly(entry.Request.Date),
			entry.Priority, attempts, cause, next, entry.ID)
		if err != nil {
			return fmt.Errorf("recalc: merge retry: %w", err)
		}
		if tag.RowsAffected() > 0 {
			_, err = tx.Exec(ctx, `UPDATE snapshot_recalc_queue
SET status = 'DONE', attempts = $2, last_error = $3, processed_at = NOW(), locked_by = NULL, locked_at = NULL
WHERE id = $1`, entry.ID, attempts, "merged into pending request: "+cause)
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE snapshot_recalc_queue
SET status = 'PENDING', attempts = $2, last_error = $3, next_attempt_at = $4, locked_by = NULL, locked_at = NULL
WHERE id = $1`, entry.ID, attempts, cause, next)
		return err
	})
}

// ReleaseStale hands PROCESSING rows locked longer than olderThan back to
// PENDING, folding them into an existing PENDING row for the same key.
func (r *QueueRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var released int64
	err := db.WithTxOptions(ctx, r.pool, readCommitted, func(tx pgx.Tx) error {
		cutoff := time.Now().Add(-olderThan)
		if _, err := tx.Exec(ctx, `UPDATE snapshot_recalc_queue p
SET recalc_date = LEAST(p.recalc_date, s.recalc_date), priority = GREATEST(p.priority, s.priority)
FROM snapshot_recalc_queue s
WHERE p.status = 'PENDING' AND s.status = 'PROCESSING' AND s.locked_at < $1
	AND p.company_code = s.company_code AND p.item_type = s.item_type AND p.item_code = s.item_code`, cutoff); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE snapshot_recalc_queue s
SET status = 'DONE', processed_at = NOW(), last_error = 'stale lock merged into pending request', locked_by = NULL, locked_at = NULL
WHERE s.status = 'PROCESSING' AND s.locked_at < $1 AND EXISTS (
	SELECT 1 FROM snapshot_recalc_queue p
	WHERE p.status = 'PENDING' AND p.company_code = s.company_code AND p.item_type = s.item_type AND p.item_code = s.item_code
)`, cutoff); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE snapshot_recalc_queue
SET status = 'PENDING', next_attempt_at = NOW(), locked_by = NULL, locked_at = NULL
WHERE status = 'PROCESSING' AND locked_at < $1`, cutoff)
		if err != nil {
			return err
		}
		released = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recalc: release stale: %w", err)
	}
	return released, nil
}

// Stats counts rows per status.
func (r *QueueRepository) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM snapshot_recalc_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("recalc: queue stats: %w", err)
	}
	defer rows.Close()
	stats := QueueStats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

// Purge deletes DONE rows processed before olderThan ago.
func (r *QueueRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM snapshot_recalc_queue WHERE status = 'DONE' AND processed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recalc: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

const queueColumns = `id, company_code, item_type, item_code, COALESCE(item_name, ''), COALESCE(uom, ''), recalc_date,
status, priority, COALESCE(reason, ''), attempts, COALESCE(last_error, ''), next_attempt_at, COALESCE(locked_by, ''),
queued_at, processed_at`

func scanEntry(row pgx.CollectableRow) (QueueEntry, error) {
	var e QueueEntry
	var itemType, status string
	err := row.Scan(&e.ID, &e.Request.Key.CompanyCode, &itemType, &e.Request.Key.ItemCode,
		&e.Request.ItemName, &e.Request.UOM, &e.Request.Date,
		&status, &e.Priority, &e.Request.Reason, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.LockedBy,
		&e.QueuedAt, &e.ProcessedAt)
	if err != nil {
		return QueueEntry{}, err
	}
	e.Request.Key.ItemType = inventory.ItemType(itemType)
	e.Request.Date = inventory.DateOnly(e.Request.Date)
	e.Status = Status(status)
	return e, nil
}

var readCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
