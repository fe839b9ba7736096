package inventory

import "github.com/shopspring/decimal"

// ComputeSnapshot derives a day's balance from the prior ending and the
// day's movements. Negative endings are returned as computed.
func ComputeSnapshot(priorEnding decimal.Decimal, m Movements) Balance {
	b := Balance{
		Beginning:  normalizeQty(priorEnding),
		Incoming:   normalizeQty(m.Incoming),
		Outgoing:   normalizeQty(m.Outgoing),
		Adjustment: normalizeQty(m.Adjustment),
	}
	b.Ending = b.Beginning.Add(b.Incoming).Sub(b.Outgoing).Add(b.Adjustment)
	return b
}

// Consistent reports whether the arithmetic invariant holds.
func (b Balance) Consistent() bool {
	return b.Ending.Equal(b.Beginning.Add(b.Incoming).Sub(b.Outgoing).Add(b.Adjustment))
}

// Equal compares all figures by value.
func (b Balance) Equal(o Balance) bool {
	return b.Beginning.Equal(o.Beginning) &&
		b.Incoming.Equal(o.Incoming) &&
		b.Outgoing.Equal(o.Outgoing) &&
		b.Adjustment.Equal(o.Adjustment) &&
		b.Ending.Equal(o.Ending)
}
