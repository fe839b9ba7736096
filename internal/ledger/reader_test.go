package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

func TestSourceFor(t *testing.T) {
	src, err := SourceFor(" scrap_out ")
	require.NoError(t, err)
	require.Equal(t, "scrap_transactions", src.Table)
	require.Equal(t, "direction = 'OUT'", src.Filter())
	require.False(t, src.Increases())

	in, err := SourceFor(KindIncoming)
	require.NoError(t, err)
	require.Equal(t, "TRUE", in.Filter())
	require.True(t, in.Increases())

	_, err = SourceFor("TRANSFER")
	require.ErrorIs(t, err, ErrUnknownKind)
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestTablesAreDistinct(t *testing.T) {
	require.Equal(t, []string{
		"incoming_goods", "outgoing_goods", "scrap_transactions",
		"adjustments", "production_outputs", "beginning_balances",
	}, tables())
}

func TestSumMovementsSQLCoversEverySource(t *testing.T) {
	require.Equal(t, len(Sources)-1, strings.Count(sumMovementsSQL, "UNION ALL"))
	require.Contains(t, sumMovementsSQL, "adjustment_type = 'LOSS'")
	require.Contains(t, sumMovementsSQL, "FILTER (WHERE bucket = 'GAIN'), 0) - COALESCE(SUM(qty) FILTER (WHERE bucket = 'LOSS'), 0)")
	require.Equal(t, len(Sources), strings.Count(sumMovementsSQL, "deleted_at IS NULL"))
}

func TestMovementDatesSQLReadsEachTableOnce(t *testing.T) {
	require.Equal(t, len(tables()), strings.Count(movementDatesSQL, "transaction_date >= $4"))
	require.True(t, strings.HasSuffix(movementDatesSQL, "ORDER BY transaction_date"))
	require.Contains(t, changedKeysSQL, "COALESCE(deleted_at, created_at)")
}

func TestBalanceSQLSignsEachSource(t *testing.T) {
	for _, sql := range []string{balanceOnOrBeforeSQL, balancesAfterSQL} {
		require.Equal(t, len(Sources)-1, strings.Count(sql, "UNION ALL"))
		require.Equal(t, len(Sources), strings.Count(sql, "deleted_at IS NULL"))
		require.Contains(t, sql, "-qty AS delta FROM outgoing_goods")
		require.Contains(t, sql, "-qty AS delta FROM adjustments WHERE adjustment_type = 'LOSS'")
		require.Contains(t, sql, "qty AS delta FROM adjustments WHERE adjustment_type = 'GAIN'")
		require.Contains(t, sql, "qty AS delta FROM scrap_transactions WHERE direction = 'IN'")
	}
	require.Equal(t, len(Sources), strings.Count(balanceOnOrBeforeSQL, "transaction_date <= $4"))
	require.Contains(t, balancesAfterSQL, "SUM(SUM(delta)) OVER (ORDER BY transaction_date)")
	require.True(t, strings.HasSuffix(balancesAfterSQL, "WHERE transaction_date > $4\nORDER BY transaction_date"))
}
