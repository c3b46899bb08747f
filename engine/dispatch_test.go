package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

func TestDispatchRider_SameRiderTwiceIsNoOp(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.delivery(t, "d-1")
	first := f.dispatch(t, "d-1", "r-1", "10.00")
	countBefore := len(f.entries(t, engine.EntryFilter{}))

	// WHEN: the dispatcher taps dispatch again
	second := f.dispatch(t, "d-1", "r-1", "10.00")

	// THEN: no new debt, same shift
	assert.Len(t, f.entries(t, engine.EntryFilter{}), countBefore)
	assert.Equal(t, first.Shift.ID, second.Shift.ID)
	assertMoney(t, "35.00", f.outstanding(t, "r-1"))
}

func TestDispatchRider_OtherRiderRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.delivery(t, "d-1")
	f.dispatch(t, "d-1", "r-1", "")

	_, err := f.eng.DispatchRider(context.Background(), engine.DispatchInput{OrderID: "d-1", RiderID: "r-2", OpeningFloat: moneyPtr("5")}, cashier)

	var te *order.TransitionError
	require.ErrorAs(t, err, &te)
	shift, err := f.mem.OpenShift(context.Background(), "r-2")
	require.NoError(t, err)
	assert.Nil(t, shift, "the shift opened for r-2 was rolled back")
	assertMoney(t, "0", f.outstanding(t, "r-2"))
}

func TestDispatchRider_FloatOnlyOnNewShift(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.delivery(t, "d-1")
	f.delivery(t, "d-2")
	f.dispatch(t, "d-1", "r-1", "10.00")

	// WHEN: a second order goes out while the shift is open, with a float
	res := f.dispatch(t, "d-2", "r-1", "20.00")

	// THEN: only the order value is added
	assertMoney(t, "60.00", f.outstanding(t, "r-1"))
	assertMoney(t, "10.00", res.Shift.OpeningFloat)
	assert.Equal(t, 1, countPurpose(f.entries(t, engine.EntryFilter{}), ledger.PurposeFloat))
}

func TestDispatchRider_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		policy  engine.Policy
		setup   func(t *testing.T, f *fixture) string
		riderID string
		wantErr error
	}{
		{
			name:   "missing rider",
			policy: defaultPolicy(),
			setup: func(t *testing.T, f *fixture) string {
				f.delivery(t, "d-1")
				return "d-1"
			},
			wantErr: engine.ErrInvalidInput,
		},
		{
			name:   "not a delivery order",
			policy: defaultPolicy(),
			setup: func(t *testing.T, f *fixture) string {
				f.ready(t, "t-1", takeawayKind(), item("wrap", "7.00", 1))
				return "t-1"
			},
			riderID: "r-1",
			wantErr: order.ErrNotDelivery,
		},
		{
			name:   "not ready",
			policy: defaultPolicy(),
			setup: func(t *testing.T, f *fixture) string {
				f.create(t, "d-1", deliveryKind(), item("pizza", "12.50", 1))
				_, err := f.eng.FireOrder(context.Background(), "d-1", cashier)
				require.NoError(t, err)
				return "d-1"
			},
			riderID: "r-1",
			wantErr: order.ErrInvalidTransition,
		},
		{
			name:   "unknown order",
			policy: defaultPolicy(),
			setup: func(t *testing.T, f *fixture) string {
				return "nope"
			},
			riderID: "r-1",
			wantErr: engine.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			id := tt.setup(t, f)

			_, err := f.eng.DispatchRider(context.Background(), engine.DispatchInput{OrderID: id, RiderID: tt.riderID}, cashier)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.entries(t, engine.EntryFilter{}))
		})
	}
}

func TestDispatchRider_BeforeReadyWhenPolicyAllows(t *testing.T) {
	f := newFixture(t, engine.Policy{DispatchBeforeReady: true})
	f.create(t, "d-1", deliveryKind(), item("pizza", "12.50", 1))
	_, err := f.eng.FireOrder(context.Background(), "d-1", cashier)
	require.NoError(t, err)

	res := f.dispatch(t, "d-1", "r-1", "")

	assert.Equal(t, order.Active, res.Order.Fulfillment)
	assertMoney(t, "12.50", f.outstanding(t, "r-1"))
}

func TestDispatchRider_CapacityLimit(t *testing.T) {
	f := newFixture(t, engine.Policy{RiderCapacity: 1, AllowPartialPayment: true})
	ctx := context.Background()
	f.delivery(t, "d-1")
	f.delivery(t, "d-2")
	f.dispatch(t, "d-1", "r-1", "")

	// WHEN: a second order is given to a rider at capacity
	_, err := f.eng.DispatchRider(ctx, engine.DispatchInput{OrderID: "d-2", RiderID: "r-1"}, cashier)

	// THEN: rejected
	assert.ErrorIs(t, err, engine.ErrRiderAtCapacity)
	assert.True(t, engine.IsConflict(err))

	// AND: once the first order's cash is back there is room again
	_, err = f.eng.Settle(ctx, engine.SettleInput{SettlementID: "s-1", RiderID: "r-1", AmountReceived: money("25"), OrderIDs: []string{"d-1"}}, cashier)
	require.NoError(t, err)
	f.dispatch(t, "d-2", "r-1", "")
	assertMoney(t, "25.00", f.outstanding(t, "r-1"))
}

func TestDispatchRider_NewShiftCarriesPreviousShortage(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()

	// GIVEN: a shift that closed 5.00 short
	f.delivery(t, "d-1")
	f.dispatch(t, "d-1", "r-1", "10.00")
	_, err := f.eng.Settle(ctx, engine.SettleInput{SettlementID: "s-1", RiderID: "r-1", AmountReceived: money("25"), OrderIDs: []string{"d-1"}}, cashier)
	require.NoError(t, err)
	closed, err := f.eng.CloseShift(ctx, engine.CloseShiftInput{RiderID: "r-1", ClosingCashReceived: money("5")}, manager)
	require.NoError(t, err)
	assertMoney(t, "-5.00", closed.CashDifference)

	// WHEN: the rider starts again
	f.delivery(t, "d-2")
	res := f.dispatch(t, "d-2", "r-1", "")

	// THEN: the shortage is the new shift's opening balance, not reset
	assert.NotEqual(t, closed.ID, res.Shift.ID)
	assertMoney(t, "5.00", res.Shift.OpeningBalance)
	assertMoney(t, "30.00", f.outstanding(t, "r-1"))

	debt, err := f.eng.Debt(ctx, "r-1")
	require.NoError(t, err)
	assertMoney(t, "25.00", debt.InShift)

	shifts, err := f.eng.Shifts(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, shifts, 2)
	assert.Equal(t, engine.ShiftClosed, shifts[0].Status)
}
