package inventory

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Reporter builds period mutation reports from stored snapshots.
type Reporter struct {
	store ReportStore
}

// NewReporter constructs Reporter.
func NewReporter(store ReportStore) *Reporter {
	return &Reporter{store: store}
}

// MutationReport returns one row per item: the balance at filter.From, the
// period's movement totals and the balance at filter.To.
func (r *Reporter) MutationReport(ctx context.Context, filter ReportFilter) ([]ReportRow, error) {
	if err := validateReportFilter(filter); err != nil {
		return nil, err
	}
	filter.From, filter.To = DateOnly(filter.From), DateOnly(filter.To)

	opening, err := r.store.OpeningSnapshots(ctx, filter)
	if err != nil {
		return nil, err
	}
	period, err := r.store.PeriodSnapshots(ctx, filter)
	if err != nil {
		return nil, err
	}

	rows := make(map[Key]*ReportRow, len(opening)+len(period))
	get := func(snap DailySnapshot) *ReportRow {
		row, ok := rows[snap.Key]
		if !ok {
			row = &ReportRow{
				Key:        snap.Key,
				Beginning:  decimal.Zero,
				Incoming:   decimal.Zero,
				Outgoing:   decimal.Zero,
				Adjustment: decimal.Zero,
				Ending:     decimal.Zero,
			}
			rows[snap.Key] = row
		}
		row.ItemName = firstNonEmpty(snap.ItemName, row.ItemName)
		row.UOM = firstNonEmpty(snap.UOM, row.UOM)
		return row
	}

	for _, snap := range opening {
		row := get(snap)
		row.Beginning = snap.Balance.Ending
		row.Ending = snap.Balance.Ending
	}
	sort.SliceStable(period, func(i, j int) bool { return period[i].Date.Before(period[j].Date) })
	seen := make(map[Key]bool, len(period))
	for _, snap := range period {
		row := get(snap)
		if !seen[snap.Key] {
			row.Beginning = snap.Balance.Beginning
			seen[snap.Key] = true
		}
		row.Incoming = row.Incoming.Add(snap.Balance.Incoming)
		row.Outgoing = row.Outgoing.Add(snap.Balance.Outgoing)
		row.Adjustment = row.Adjustment.Add(snap.Balance.Adjustment)
		row.Ending = snap.Balance.Ending
	}

	out := make([]ReportRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemType != out[j].ItemType {
			return out[i].ItemType < out[j].ItemType
		}
		return out[i].ItemCode < out[j].ItemCode
	})
	return out, nil
}

func validateReportFilter(filter ReportFilter) error {
	if filter.CompanyCode <= 0 {
		return ErrInvalidCompany
	}
	if filter.ItemType != "" && !filter.ItemType.Valid() {
		return ErrInvalidItemType
	}
	return validateRange(filter.From, filter.To)
}
