package inventory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// ItemType classifies goods for bonded-zone reporting.
type ItemType string

const (
	// ItemTypeRawMaterial is ROH.
	ItemTypeRawMaterial ItemType = "ROH"
	// ItemTypeSemiFinished is HALB.
	ItemTypeSemiFinished ItemType = "HALB"
	// ItemTypeFinished is FERT.
	ItemTypeFinished ItemType = "FERT"
	// ItemTypeCapital is HIBE (capital goods).
	ItemTypeCapital ItemType = "HIBE"
	// ItemTypeScrap is SCRAP.
	ItemTypeScrap ItemType = "SCRAP"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeRawMaterial, ItemTypeSemiFinished, ItemTypeFinished, ItemTypeCapital, ItemTypeScrap:
		return true
	}
	return false
}

// Key identifies one snapshot chain.
type Key struct {
	CompanyCode int64
	ItemType    ItemType
	ItemCode    string
}

// Validate checks the key is fully populated.
func (k Key) Validate() error {
	fields := httpx.FieldErrors{}
	if k.CompanyCode <= 0 {
		fields["company_code"] = "must be positive"
	}
	if !k.ItemType.Valid() {
		fields["item_type"] = "must be one of ROH, HALB, FERT, HIBE, SCRAP"
	}
	if strings.TrimSpace(k.ItemCode) == "" {
		fields["item_code"] = "is required"
	}
	if len(fields) > 0 {
		return &httpx.ValidationError{Fields: fields}
	}
	return nil
}

// String renders the key as company:type:code, used for lock names.
func (k Key) String() string {
	return strconv.FormatInt(k.CompanyCode, 10) + ":" + string(k.ItemType) + ":" + k.ItemCode
}

// Movements is the net ledger activity of one key on one day.
type Movements struct {
	Incoming   decimal.Decimal
	Outgoing   decimal.Decimal
	Adjustment decimal.Decimal
}

// Balance holds the computed figures of a day.
type Balance struct {
	Beginning  decimal.Decimal
	Incoming   decimal.Decimal
	Outgoing   decimal.Decimal
	Adjustment decimal.Decimal
	Ending     decimal.Decimal
}

// DailySnapshot is the persisted balance of a key on a date.
type DailySnapshot struct {
	Key
	Date      time.Time
	ItemName  string
	UOM       string
	Balance   Balance
	UpdatedAt time.Time
}

// UpsertInput identifies the snapshot to (re)compute.
type UpsertInput struct {
	Key
	ItemName string
	UOM      string
	Date     time.Time
}

// CascadeResult summarises a forward walk.
type CascadeResult struct {
	From    time.Time
	Dates   int
	Changed int
	Last    time.Time
}

// RecalcResult is returned by Recalculate.
type RecalcResult struct {
	Snapshot DailySnapshot
	Cascade  CascadeResult
}

// Availability answers whether a quantity can be taken on a date.
type Availability struct {
	CurrentStock      decimal.Decimal
	Available         bool
	Shortfall         decimal.Decimal
	ProjectedMinimum  decimal.Decimal
	FirstNegativeDate *time.Time
}

// DatedDelta is a signed change applied to balances on and after Date.
type DatedDelta struct {
	Date time.Time
	Qty  decimal.Decimal
}

// ChangeCheck describes an edit or delete of an increasing transaction.
type ChangeCheck struct {
	Key
	OldQty               decimal.Decimal
	NewQty               decimal.Decimal
	Date                 time.Time
	ExcludeTransactionID int64
}

// ReportFilter scopes a mutation report.
type ReportFilter struct {
	CompanyCode int64
	ItemType    ItemType
	From        time.Time
	To          time.Time
}

// ReportRow is one item line of a mutation report.
type ReportRow struct {
	Key
	ItemName   string
	UOM        string
	Beginning  decimal.Decimal
	Incoming   decimal.Decimal
	Outgoing   decimal.Decimal
	Adjustment decimal.Decimal
	Ending     decimal.Decimal
}

// DateOnly truncates t to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ErrSnapshotNotFound indicates no snapshot exists for the lookup.
var ErrSnapshotNotFound = fmt.Errorf("inventory: snapshot not found: %w", httpx.ErrNotFound)

// ErrInvalidDate indicates a missing date.
var ErrInvalidDate = fmt.Errorf("inventory: date is required: %w", httpx.ErrValidation)

// ErrInvalidQuantity indicates a negative or oversized quantity.
var ErrInvalidQuantity = fmt.Errorf("inventory: quantity must be >= 0 with at most 3 decimals: %w", httpx.ErrValidation)

// ErrInvalidRange indicates from > to.
var ErrInvalidRange = fmt.Errorf("inventory: from must not be after to: %w", httpx.ErrValidation)

// ErrInvalidCompany indicates a missing company code.
var ErrInvalidCompany = fmt.Errorf("inventory: company_code must be positive: %w", httpx.ErrValidation)

// ErrInvalidItemType indicates an unknown item type.
var ErrInvalidItemType = fmt.Errorf("inventory: unknown item type: %w", httpx.ErrValidation)

// ErrInsufficientStock is matched by every *InsufficientStockError.
var ErrInsufficientStock = fmt.Errorf("inventory: insufficient stock: %w", httpx.ErrUnprocessable)

func validateDate(t time.Time) error {
	if t.IsZero() {
		return ErrInvalidDate
	}
	return nil
}
