package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutationReportAggregatesPeriod(t *testing.T) {
	engine, store, ledger := newTestEngine()
	other := Key{CompanyCode: testKey.CompanyCode, ItemType: ItemTypeFinished, ItemCode: "FG-9"}

	ledger.incoming(testKey, day("2024-01-01"), "100")
	ledger.outgoing(testKey, day("2024-01-03"), "30")
	ledger.adjust(testKey, day("2024-01-04"), "-2.5")
	ledger.incoming(testKey, day("2024-01-10"), "1")
	recalc(t, engine, "2024-01-01")

	ledger.incoming(other, day("2024-01-04"), "7")
	_, err := engine.Recalculate(context.Background(), UpsertInput{Key: other, ItemName: "Finished", UOM: "PCS", Date: day("2024-01-04")})
	require.NoError(t, err)

	rows, err := NewReporter(store).MutationReport(context.Background(), ReportFilter{
		CompanyCode: testKey.CompanyCode,
		From:        day("2024-01-02"),
		To:          day("2024-01-05"),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	fg := rows[0]
	require.Equal(t, other, fg.Key)
	require.Equal(t, "0", fg.Beginning.String())
	require.Equal(t, "7", fg.Incoming.String())
	require.Equal(t, "7", fg.Ending.String())
	require.Equal(t, "PCS", fg.UOM)

	rm := rows[1]
	require.Equal(t, testKey, rm.Key)
	require.Equal(t, "100", rm.Beginning.String())
	require.Equal(t, "30", rm.Outgoing.String())
	require.Equal(t, "-2.5", rm.Adjustment.String())
	require.Equal(t, "67.5", rm.Ending.String())

	onlyRaw, err := NewReporter(store).MutationReport(context.Background(), ReportFilter{
		CompanyCode: testKey.CompanyCode,
		ItemType:    ItemTypeRawMaterial,
		From:        day("2024-01-06"),
		To:          day("2024-01-08"),
	})
	require.NoError(t, err)
	require.Len(t, onlyRaw, 1)
	require.Equal(t, "67.5", onlyRaw[0].Beginning.String())
	require.Equal(t, "67.5", onlyRaw[0].Ending.String())
	require.True(t, onlyRaw[0].Incoming.IsZero())
}

func TestMutationReportValidatesFilter(t *testing.T) {
	reporter := NewReporter(newMemoryStore())
	_, err := reporter.MutationReport(context.Background(), ReportFilter{From: day("2024-01-01"), To: day("2024-01-02")})
	require.ErrorIs(t, err, ErrInvalidCompany)
	_, err = reporter.MutationReport(context.Background(), ReportFilter{CompanyCode: 1, ItemType: "BAD", From: day("2024-01-01"), To: day("2024-01-02")})
	require.ErrorIs(t, err, ErrInvalidItemType)
	_, err = reporter.MutationReport(context.Background(), ReportFilter{CompanyCode: 1, From: day("2024-01-03"), To: day("2024-01-02")})
	require.ErrorIs(t, err, ErrInvalidRange)
}
