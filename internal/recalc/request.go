// Package recalc schedules snapshot recalculations outside the request that
// triggered them: in-process, through the snapshot_recalc_queue table or as
// asynq tasks. Every path retries with backoff and dead-letters the request
// once attempts run out.
package recalc

import (
	"context"
	"errors"
	"time"

	"github.com/bonded-wms/stockbalance/internal/inventory"
)

// Priorities stored on queue rows and mapped to asynq queues.
const (
	PrioritySameDay   = 0
	PriorityBackdated = 10
)

// ErrDeadLettered marks a request abandoned after its final attempt.
var ErrDeadLettered = errors.New("recalc: attempts exhausted")

// ErrClosed is returned by Schedule after shutdown has started.
var ErrClosed = errors.New("recalc: dispatcher closed")

// Recalculator runs the upsert and cascade pair for one key and date.
type Recalculator interface {
	Recalculate(ctx context.Context, in inventory.UpsertInput) (inventory.RecalcResult, error)
}

// Request asks for the chain of Key to be recomputed from Date.
type Request struct {
	Key      inventory.Key
	ItemName string
	UOM      string
	Date     time.Time
	Reason   string
}

// Input converts the request for the engine.
func (r Request) Input() inventory.UpsertInput {
	return inventory.UpsertInput{Key: r.Key, ItemName: r.ItemName, UOM: r.UOM, Date: inventory.DateOnly(r.Date)}
}

// Validate checks key and date.
func (r Request) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.Date.IsZero() {
		return inventory.ErrInvalidDate
	}
	return nil
}

// PriorityFor ranks backdated recalculations above same-day ones.
func PriorityFor(date, now time.Time) int {
	if inventory.DateOnly(date).Before(inventory.DateOnly(now)) {
		return PriorityBackdated
	}
	return PrioritySameDay
}

// Dispatcher hands a request off for background execution. Schedule returns
// once the request is accepted; execution errors never reach the caller.
type Dispatcher interface {
	Schedule(ctx context.Context, req Request) error
}
