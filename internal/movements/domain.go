// Package movements writes the transaction-source rows that feed the
// snapshot engine and triggers recalculation once they commit.
package movements

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// Movement is one stored source row.
type Movement struct {
	ID        int64
	Kind      ledger.Kind
	Key       inventory.Key
	ItemName  string
	UOM       string
	Qty       decimal.Decimal
	Date      time.Time
	WMSID     string
	PPKEK     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateInput describes a new movement.
type CreateInput struct {
	Kind     ledger.Kind
	Key      inventory.Key
	ItemName string
	UOM      string
	Qty      decimal.Decimal
	Date     time.Time
	WMSID    string
	PPKEK    string
}

// UpdateInput replaces the mutable fields of a movement. The key of a
// movement never changes.
type UpdateInput struct {
	Kind     ledger.Kind
	ID       int64
	ItemName string
	UOM      string
	Qty      decimal.Decimal
	Date     time.Time
	WMSID    string
	PPKEK    string
}

var (
	// ErrNotFound indicates the movement does not exist or was deleted.
	ErrNotFound = fmt.Errorf("movements: not found: %w", httpx.ErrNotFound)
	// ErrConflict indicates a concurrent write won; the caller may resubmit.
	ErrConflict = fmt.Errorf("movements: concurrent update, retry the request: %w", httpx.ErrConflict)
	// ErrDuplicateRequest indicates the Idempotency-Key was already used.
	ErrDuplicateRequest = fmt.Errorf("movements: request already processed: %w", httpx.ErrDuplicate)
)

func validateCreate(in CreateInput) (ledger.Source, error) {
	src, err := ledger.SourceFor(in.Kind)
	if err != nil {
		return ledger.Source{}, err
	}
	if err := in.Key.Validate(); err != nil {
		return ledger.Source{}, err
	}
	if err := checkQtyDate(in.Qty, in.Date); err != nil {
		return ledger.Source{}, err
	}
	return src, nil
}

func validateUpdate(in UpdateInput) (ledger.Source, error) {
	src, err := ledger.SourceFor(in.Kind)
	if err != nil {
		return ledger.Source{}, err
	}
	if in.ID <= 0 {
		return ledger.Source{}, &httpx.ValidationError{Fields: httpx.FieldErrors{"id": "must be positive"}}
	}
	if err := checkQtyDate(in.Qty, in.Date); err != nil {
		return ledger.Source{}, err
	}
	return src, nil
}

func checkQtyDate(qty decimal.Decimal, date time.Time) error {
	if err := inventory.ValidateQty(qty); err != nil {
		return err
	}
	if date.IsZero() {
		return inventory.ErrInvalidDate
	}
	return nil
}

// signed returns qty with the sign the source applies to the balance.
func signed(src ledger.Source, qty decimal.Decimal) decimal.Decimal {
	if src.Increases() {
		return qty
	}
	return qty.Neg()
}

func reason(action string, kind ledger.Kind, id int64) string {
	return fmt.Sprintf("%s %s #%d", action, strings.ToLower(string(kind)), id)
}
