package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/recalc"
)

const (
	// QueueCritical carries backdated recalculations.
	QueueCritical = "recalc_critical"
	// QueueDefault carries same-day recalculations and maintenance tasks.
	QueueDefault = "recalc_default"

	// TaskSnapshotRecalc recomputes one key from a date.
	TaskSnapshotRecalc = "snapshot:recalc"
	// TaskSnapshotReconcile rebuilds keys whose source rows changed.
	TaskSnapshotReconcile = "snapshot:reconcile"
	// TaskQueueDrain drains snapshot_recalc_queue once.
	TaskQueueDrain = "snapshot:queue_drain"
	// TaskHousekeeping purges processed queue rows and stale idempotency keys.
	TaskHousekeeping = "snapshot:housekeeping"
)

// RecalcPayload is the wire form of recalc.Request.
type RecalcPayload struct {
	CompanyCode int64  `json:"company_code"`
	ItemType    string `json:"item_type"`
	ItemCode    string `json:"item_code"`
	ItemName    string `json:"item_name,omitempty"`
	UOM         string `json:"uom,omitempty"`
	Date        string `json:"date"`
	Reason      string `json:"reason,omitempty"`
}

// Request converts the payload. On a bad date the returned request still
// carries the key, with a zero date.
func (p RecalcPayload) Request() (recalc.Request, error) {
	req := recalc.Request{
		Key:      inventory.Key{CompanyCode: p.CompanyCode, ItemType: inventory.ItemType(p.ItemType), ItemCode: p.ItemCode},
		ItemName: p.ItemName,
		UOM:      p.UOM,
		Reason:   p.Reason,
	}
	date, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return req, fmt.Errorf("jobs: recalc payload date %q: %w", p.Date, err)
	}
	req.Date = date
	return req, nil
}

// QueueFor maps a priority to its asynq queue.
func QueueFor(priority int) string {
	if priority >= recalc.PriorityBackdated {
		return QueueCritical
	}
	return QueueDefault
}

// NewRecalcTask constructs a snapshot:recalc task. Retries are bounded by
// maxAttempts including the first run.
func NewRecalcTask(req recalc.Request, priority, maxAttempts int) (*asynq.Task, error) {
	payload := RecalcPayload{
		CompanyCode: req.Key.CompanyCode,
		ItemType:    string(req.Key.ItemType),
		ItemCode:    req.Key.ItemCode,
		ItemName:    req.ItemName,
		UOM:         req.UOM,
		Date:        inventory.DateOnly(req.Date).Format("2006-01-02"),
		Reason:      req.Reason,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return asynq.NewTask(TaskSnapshotRecalc, body,
		asynq.Queue(QueueFor(priority)),
		asynq.MaxRetry(maxAttempts-1),
		asynq.Timeout(10*time.Minute),
	), nil
}

// ReconcilePayload carries the lookback window of a reconcile run.
type ReconcilePayload struct {
	Since time.Time `json:"since"`
}

// NewReconcileTask constructs a reconcile task covering changes since since.
func NewReconcileTask(since time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{Since: since})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// NewQueueDrainTask constructs a queue drain task.
func NewQueueDrainTask() *asynq.Task {
	return asynq.NewTask(TaskQueueDrain, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(0))
}

// NewHousekeepingTask constructs the nightly cleanup task.
func NewHousekeepingTask() *asynq.Task {
	return asynq.NewTask(TaskHousekeeping, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
