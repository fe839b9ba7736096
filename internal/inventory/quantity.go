package inventory

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// QtyScale is the number of decimal places kept for quantities.
const QtyScale int32 = 3

// ParseQty parses a quantity string, rejecting negatives and values with
// more than QtyScale decimals.
func ParseQty(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidQuantity)
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, raw)
	}
	if err := ValidateQty(qty); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// ValidateQty checks a source quantity is non-negative and fits the scale.
func ValidateQty(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidQuantity, qty.String())
	}
	if !qty.Equal(qty.Round(QtyScale)) {
		return fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidQuantity, qty.String(), QtyScale)
	}
	return nil
}

// normalizeQty rounds to QtyScale so equal values compare equal after a
// round trip through NUMERIC(18,3).
func normalizeQty(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(QtyScale)
}

func maxZero(qty decimal.Decimal) decimal.Decimal {
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}
