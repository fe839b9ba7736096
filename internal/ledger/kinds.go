// Package ledger describes the transaction-source tables and reads their
// committed movements.
package ledger

import (
	"fmt"
	"strings"

	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// Kind names a transaction source.
type Kind string

const (
	KindIncoming       Kind = "INCOMING"
	KindOutgoing       Kind = "OUTGOING"
	KindScrapIn        Kind = "SCRAP_IN"
	KindScrapOut       Kind = "SCRAP_OUT"
	KindAdjustmentGain Kind = "ADJUSTMENT_GAIN"
	KindAdjustmentLoss Kind = "ADJUSTMENT_LOSS"
	KindProduction     Kind = "PRODUCTION"
	KindBeginning      Kind = "BEGINNING"
)

// Bucket is where a kind lands in the daily balance.
type Bucket string

const (
	BucketIncoming Bucket = "IN"
	BucketOutgoing Bucket = "OUT"
	BucketGain     Bucket = "GAIN"
	BucketLoss     Bucket = "LOSS"
)

// Source maps a kind to its table and optional discriminator.
type Source struct {
	Kind    Kind
	Table   string
	Column  string
	Value   string
	Bucket  Bucket
	Reduces bool
}

// Sources lists every transaction source in a stable order.
var Sources = []Source{
	{Kind: KindIncoming, Table: "incoming_goods", Bucket: BucketIncoming},
	{Kind: KindOutgoing, Table: "outgoing_goods", Bucket: BucketOutgoing, Reduces: true},
	{Kind: KindScrapIn, Table: "scrap_transactions", Column: "direction", Value: "IN", Bucket: BucketIncoming},
	{Kind: KindScrapOut, Table: "scrap_transactions", Column: "direction", Value: "OUT", Bucket: BucketOutgoing, Reduces: true},
	{Kind: KindAdjustmentGain, Table: "adjustments", Column: "adjustment_type", Value: "GAIN", Bucket: BucketGain},
	{Kind: KindAdjustmentLoss, Table: "adjustments", Column: "adjustment_type", Value: "LOSS", Bucket: BucketLoss, Reduces: true},
	{Kind: KindProduction, Table: "production_outputs", Bucket: BucketIncoming},
	{Kind: KindBeginning, Table: "beginning_balances", Bucket: BucketIncoming},
}

// ErrUnknownKind indicates an unsupported kind.
var ErrUnknownKind = fmt.Errorf("ledger: unknown movement kind: %w", httpx.ErrValidation)

// SourceFor resolves the source of kind.
func SourceFor(kind Kind) (Source, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(string(kind))))
	for _, src := range Sources {
		if src.Kind == k {
			return src, nil
		}
	}
	return Source{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Increases reports whether rows of the source raise the balance.
func (s Source) Increases() bool {
	return !s.Reduces
}

// Filter returns the discriminator predicate, or "TRUE" when the table
// holds a single kind.
func (s Source) Filter() string {
	if s.Column == "" {
		return "TRUE"
	}
	return s.Column + " = '" + s.Value + "'"
}
