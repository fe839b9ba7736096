package inventory

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var idPrinter = message.NewPrinter(language.Indonesian)

// InsufficientStockError carries the figures behind a stock rejection.
type InsufficientStockError struct {
	Key          Key
	Date         time.Time
	Requested    decimal.Decimal
	CurrentStock decimal.Decimal
	Shortfall    decimal.Decimal
	NegativeOn   *time.Time
}

func (e *InsufficientStockError) Error() string {
	msg := idPrinter.Sprintf("stok %s tidak mencukupi pada %s: saldo %v, diminta %v, kurang %v",
		e.Key.ItemCode,
		e.Date.Format("2006-01-02"),
		formatQty(e.CurrentStock),
		formatQty(e.Requested),
		formatQty(e.Shortfall),
	)
	if e.NegativeOn != nil && !e.NegativeOn.Equal(e.Date) {
		msg += idPrinter.Sprintf(" (saldo menjadi negatif pada %s)", e.NegativeOn.Format("2006-01-02"))
	}
	return msg
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// formatQty renders qty at QtyScale with Indonesian separators.
func formatQty(qty decimal.Decimal) string {
	s := qty.Round(QtyScale).StringFixed(QtyScale)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	b.WriteString(sign)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte(',')
		b.WriteString(frac)
	}
	return b.String()
}
