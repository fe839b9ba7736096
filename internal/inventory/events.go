package inventory

import "time"

// RecalculatedEvent is emitted after a key's chain has been recomputed.
type RecalculatedEvent struct {
	Key     Key
	Date    time.Time
	Result  RecalcResult
	Rebuild bool
}
