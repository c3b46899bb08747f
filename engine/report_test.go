package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/ledger"
)

// busyDay runs a day with 100.00 opening cash: a 10.00 counter sale, a
// 10.00 float, a 30.00 settlement and a 4.00 payout.
func busyDay(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, engine.Policy{AllowPartialPayment: true, OpeningCash: money("100.00")})
	ctx := context.Background()

	f.ready(t, "t-1", takeawayKind(), item("wrap", "10.00", 1))
	_, err := f.eng.RecordPayment(ctx, pay("p-1", "t-1", "10.00"), cashier)
	require.NoError(t, err)

	f.delivery(t, "d-1")
	f.dispatch(t, "d-1", "r-1", "10.00")
	_, err = f.eng.Settle(ctx, settle("s-1", "r-1", "30", "d-1"), cashier)
	require.NoError(t, err)

	_, err = f.eng.RecordPayout(ctx, engine.PayoutInput{PayoutID: "po-1", SupplierID: "bakery", Amount: money("4.00"), Reason: "bread"}, manager)
	require.NoError(t, err)
	return f
}

func TestZReport_ExpectedDrawer(t *testing.T) {
	f := busyDay(t)

	z, err := f.eng.ZReport(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14", z.BusinessDay)
	assert.Equal(t, engine.DayOpen, z.Status)
	assertMoney(t, "100.00", z.OpeningCash)
	assertMoney(t, "10.00", z.CashSales)
	assertMoney(t, "30.00", z.Settlements)
	assertMoney(t, "4.00", z.Payouts)
	assertMoney(t, "10.00", z.FloatsIssued)
	assertMoney(t, "0", z.Refunds)
	assertMoney(t, "126.00", z.ExpectedDrawer)
	assert.Nil(t, z.Variance, "no count supplied")
	require.Len(t, z.RiderBalances, 1)
	assert.Equal(t, "r-1", z.RiderBalances[0].RiderID)
	assertMoney(t, "5.00", z.RiderBalances[0].Balance)

	// The drawer account agrees with the report.
	assertMoney(t, "26.00", f.drawer(t))
}

func TestZReport_PreviewWithCountWritesNothing(t *testing.T) {
	f := busyDay(t)
	actual := money("125.00")

	z, err := f.eng.ZReport(context.Background(), &actual)
	require.NoError(t, err)

	require.NotNil(t, z.Variance)
	assertMoney(t, "-1.00", *z.Variance)
	day, err := f.eng.CurrentDay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.DayOpen, day.Status)
}

func TestZReport_BeforeFirstDay(t *testing.T) {
	f := newFixture(t, engine.Policy{OpeningCash: money("50")})

	z, err := f.eng.ZReport(context.Background(), nil)

	require.NoError(t, err)
	assertMoney(t, "50.00", z.ExpectedDrawer)
	assert.Empty(t, z.RiderBalances)
}

func TestCloseBusinessDay_CarriesRiderBalancesAndOpensNextDay(t *testing.T) {
	f := busyDay(t)
	ctx := context.Background()

	// WHEN: the manager counts 120.00
	z, err := f.eng.CloseBusinessDay(ctx, "2026-03-14", money("120.00"), manager)
	require.NoError(t, err)

	// THEN: the variance is recorded, not forced to zero
	assert.Equal(t, engine.DayClosed, z.Status)
	require.NotNil(t, z.Variance)
	assertMoney(t, "-6.00", *z.Variance)

	closed, err := f.mem.GetDay(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, engine.DayClosed, closed.Status)
	assertMoney(t, "126.00", closed.ExpectedCash)
	require.Len(t, closed.Carried, 1)
	assertMoney(t, "5.00", closed.Carried[0].Balance)

	// AND: the next day opens with the counted cash
	next, err := f.eng.CurrentDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14-2", next.ID)
	assertMoney(t, "120.00", next.OpeningCash)

	// AND: the rider still owes the same amount in the new day
	assertMoney(t, "5.00", f.outstanding(t, "r-1"))

	// AND: later postings land in the new day
	_, err = f.eng.RecordPayout(ctx, engine.PayoutInput{PayoutID: "po-2", SupplierID: "bakery", Amount: money("1")}, manager)
	require.NoError(t, err)
	payouts := f.entries(t, engine.EntryFilter{BusinessDay: "2026-03-14-2"})
	require.Len(t, payouts, 2)
	f.assertBalanced(t)
}

func TestCloseBusinessDay_RetryReturnsStoredReport(t *testing.T) {
	f := busyDay(t)
	ctx := context.Background()
	first, err := f.eng.CloseBusinessDay(ctx, "2026-03-14", money("120.00"), manager)
	require.NoError(t, err)

	// WHEN: the close is retried with a different count
	again, err := f.eng.CloseBusinessDay(ctx, "2026-03-14", money("999.00"), manager)

	// THEN: the stored figures come back and no third day opens
	require.NoError(t, err)
	assertMoney(t, first.Variance.String(), *again.Variance)
	assertMoney(t, "120.00", *again.ActualCash)
	day, err := f.eng.CurrentDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14-2", day.ID)

	report, err := f.eng.DayReport(ctx, "2026-03-14")
	require.NoError(t, err)
	assertMoney(t, "126.00", report.ExpectedDrawer)
}

func TestCloseBusinessDay_Rejections(t *testing.T) {
	f := busyDay(t)
	ctx := context.Background()

	_, err := f.eng.CloseBusinessDay(ctx, "", money("-1"), manager)
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)

	_, err = f.eng.CloseBusinessDay(ctx, "2025-01-01", money("1"), manager)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func TestRecordPayout_ReplayAndValidation(t *testing.T) {
	f := newFixture(t, engine.Policy{OpeningCash: money("50")})
	ctx := context.Background()
	in := engine.PayoutInput{PayoutID: "po-1", SupplierID: "fishmonger", Amount: money("12.00"), Reason: "fish"}

	res, err := f.eng.RecordPayout(ctx, in, manager)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "2026-03-14", res.BusinessDay)

	again, err := f.eng.RecordPayout(ctx, in, manager)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assertMoney(t, "-12.00", f.drawer(t))
	assertMoney(t, "12.00", ledger.Balance(f.entries(t, engine.EntryFilter{}), ledger.SupplierAccount("fishmonger")))

	_, err = f.eng.RecordPayout(ctx, engine.PayoutInput{PayoutID: "po-2", SupplierID: "fishmonger"}, manager)
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)

	_, err = f.eng.RecordPayout(ctx, engine.PayoutInput{PayoutID: "po-3", Amount: money("1")}, manager)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}
