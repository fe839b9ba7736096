package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// seedChain builds 01-01 +100, 01-02 -30, 01-05 -60 (endings 100, 70, 10).
func seedChain(t *testing.T) *memoryStore {
	t.Helper()
	engine, store, ledger := newTestEngine()
	ledger.incoming(testKey, day("2024-01-01"), "100")
	ledger.outgoing(testKey, day("2024-01-02"), "30")
	ledger.outgoing(testKey, day("2024-01-05"), "60")
	recalc(t, engine, "2024-01-01")
	return store
}

func TestCheckAvailabilityShortfallIsExact(t *testing.T) {
	checker := NewChecker(seedChain(t))
	res, err := checker.CheckAvailability(context.Background(), testKey, qty("80.5"), day("2024-01-02"))
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, "70", res.CurrentStock.String())
	require.Equal(t, "10.5", res.Shortfall.String())
}

func TestCheckAvailabilityUsesLatestSnapshotOnOrBefore(t *testing.T) {
	checker := NewChecker(seedChain(t))
	res, err := checker.CheckAvailability(context.Background(), testKey, qty("5"), day("2024-01-03"))
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, "70", res.CurrentStock.String())
	require.True(t, res.Shortfall.IsZero())
	require.Equal(t, "5", res.ProjectedMinimum.String())

	before, err := checker.CheckAvailability(context.Background(), testKey, qty("1"), day("2023-12-31"))
	require.NoError(t, err)
	require.False(t, before.Available)
	require.True(t, before.CurrentStock.IsZero())
	require.Equal(t, "1", before.Shortfall.String())
}

func TestCheckAvailabilityDetectsForwardNegative(t *testing.T) {
	store := seedChain(t)

	res, err := NewChecker(store).CheckAvailability(context.Background(), testKey, qty("50"), day("2024-01-03"))
	require.NoError(t, err)
	require.True(t, res.Available, "same-day stock covers the request")
	require.Equal(t, "70", res.CurrentStock.String())
	require.True(t, res.Shortfall.IsZero())
	require.Equal(t, "-40", res.ProjectedMinimum.String())
	require.NotNil(t, res.FirstNegativeDate)
	require.Equal(t, day("2024-01-05"), *res.FirstNegativeDate)

	sameDay, err := NewChecker(store, WithSameDayOnly()).CheckAvailability(context.Background(), testKey, qty("50"), day("2024-01-03"))
	require.NoError(t, err)
	require.True(t, sameDay.Available)
	require.Equal(t, "20", sameDay.ProjectedMinimum.String())
}

func TestCheckBalanceWontGoNegative(t *testing.T) {
	store := seedChain(t)
	checker := NewChecker(store)

	res, err := checker.CheckBalanceWontGoNegative(context.Background(), ChangeCheck{
		Key: testKey, OldQty: qty("100"), NewQty: qty("60"), Date: day("2024-01-01"), ExcludeTransactionID: 7,
	})
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, "100", res.CurrentStock.String())
	require.Equal(t, "30", res.Shortfall.String())
	require.Equal(t, day("2024-01-05"), *res.FirstNegativeDate)

	ok, err := checker.CheckBalanceWontGoNegative(context.Background(), ChangeCheck{
		Key: testKey, OldQty: qty("100"), NewQty: qty("95"), Date: day("2024-01-01"),
	})
	require.NoError(t, err)
	require.True(t, ok.Available)
	require.Equal(t, "5", ok.ProjectedMinimum.String())

	grow, err := checker.CheckBalanceWontGoNegative(context.Background(), ChangeCheck{
		Key: testKey, OldQty: qty("100"), NewQty: qty("120"), Date: day("2024-01-01"),
	})
	require.NoError(t, err)
	require.True(t, grow.Available)
	require.True(t, grow.Shortfall.IsZero())

	legacy, err := NewChecker(store, WithSameDayOnly()).CheckBalanceWontGoNegative(context.Background(), ChangeCheck{
		Key: testKey, OldQty: qty("100"), NewQty: qty("60"), Date: day("2024-01-01"),
	})
	require.NoError(t, err)
	require.True(t, legacy.Available)
}

func TestCheckDeltasForMovedTransaction(t *testing.T) {
	checker := NewChecker(seedChain(t))
	res, err := checker.CheckDeltas(context.Background(), testKey, []DatedDelta{
		{Date: day("2024-01-04"), Qty: qty("100")},
		{Date: day("2024-01-01"), Qty: qty("-100")},
	})
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, "-30", res.ProjectedMinimum.String())
	require.Equal(t, "30", res.Shortfall.String())
	require.Equal(t, day("2024-01-02"), *res.FirstNegativeDate)

	_, err = checker.CheckDeltas(context.Background(), testKey, nil)
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCheckerValidatesInput(t *testing.T) {
	checker := NewChecker(newMemoryStore())
	_, err := checker.CheckAvailability(context.Background(), testKey, qty("-1"), day("2024-01-01"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = checker.CheckAvailability(context.Background(), testKey, qty("1.2345"), day("2024-01-01"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = checker.CheckBalanceWontGoNegative(context.Background(), ChangeCheck{Key: testKey, OldQty: qty("1"), NewQty: qty("0")})
	require.ErrorIs(t, err, ErrInvalidDate)
}

func TestRequireBuildsInsufficientStockError(t *testing.T) {
	checker := NewChecker(seedChain(t))
	res, err := checker.CheckDeltas(context.Background(), testKey, []DatedDelta{{Date: day("2024-01-03"), Qty: qty("-50")}})
	require.NoError(t, err)

	err = Require(testKey, day("2024-01-03"), qty("50"), res)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.True(t, errors.Is(err, httpx.ErrUnprocessable))
	var serr *InsufficientStockError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "40", serr.Shortfall.String())
	require.Contains(t, serr.Error(), "RM-001")
	require.Contains(t, serr.Error(), "2024-01-05")

	require.NoError(t, Require(testKey, day("2024-01-03"), qty("1"), Availability{Available: true}))
}

func TestCheckAvailabilityNeverContradictsItself(t *testing.T) {
	checker := NewChecker(seedChain(t))
	for _, tc := range []struct {
		qty  string
		date string
	}{
		{"50", "2024-01-03"},
		{"70", "2024-01-03"},
		{"70.001", "2024-01-03"},
		{"0", "2024-01-05"},
		{"200", "2023-12-01"},
	} {
		res, err := checker.CheckAvailability(context.Background(), testKey, qty(tc.qty), day(tc.date))
		require.NoError(t, err)
		require.Equal(t, qty(tc.qty).LessThanOrEqual(res.CurrentStock), res.Available, tc)
		require.Equal(t, res.Available, res.Shortfall.IsZero(), tc)
	}
}

func TestWithinReadsAnotherSourceKeepingOptions(t *testing.T) {
	base := NewChecker(seedChain(t), WithSameDayOnly())
	other := newMemoryStore()
	require.NoError(t, other.Upsert(context.Background(), DailySnapshot{
		Key: testKey, Date: day("2024-01-01"), Balance: Balance{Ending: qty("5"), Incoming: qty("5")},
	}))

	res, err := base.Within(other).CheckDeltas(context.Background(), testKey, []DatedDelta{{Date: day("2024-01-03"), Qty: qty("-6")}})
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, "5", res.CurrentStock.String())
	require.Equal(t, "1", res.Shortfall.String())
}
