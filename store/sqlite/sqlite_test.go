package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func money(s string) ledger.Money { return ledger.MustMoney(s) }

func newEngine(t *testing.T, s *Store, policy engine.Policy) *engine.Engine {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	eng := engine.New(s, policy, log)
	eng.Now = func() time.Time { return now }
	return eng
}

func deliveryOrder(t *testing.T, eng *engine.Engine, id string, actor engine.Actor) {
	t.Helper()
	ctx := context.Background()
	kind := order.DeliveryTo(order.Contact{Name: "Ada", Phone: "555"}, "1 Main St")
	items := []order.Item{
		{ID: "pizza", Name: "Margherita", UnitPrice: money("9.50"), Quantity: 2},
		{ID: "cola", Name: "Cola", UnitPrice: money("3.00"), Quantity: 1, NoPrep: true},
	}
	_, err := eng.CreateOrUpdateOrder(ctx, engine.OrderInput{ID: id, Kind: kind, Items: items}, actor)
	require.NoError(t, err)
	_, err = eng.FireOrder(ctx, id, actor)
	require.NoError(t, err)
	_, err = eng.AdvanceItem(ctx, id, "pizza", order.ItemPreparing, actor)
	require.NoError(t, err)
	_, err = eng.AdvanceItem(ctx, id, "pizza", order.ItemDone, actor)
	require.NoError(t, err)
}

func charge(t *testing.T, orderID, key string) []ledger.Entry {
	t.Helper()
	p, err := ledger.NewPosting(ledger.RiderAccount("r-1"), ledger.Revenue, money("7.25"), ledger.OrderRef(orderID), ledger.PurposeOrderCharge, "staff-1")
	require.NoError(t, err)
	p.IdempotencyKey = key
	var j ledger.Journal
	j.Add(p)
	return j.Entries("2026-03-14", now)
}

func saveDay(t *testing.T, s *Store, d engine.BusinessDay) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveDay(ctx, d) }))
}

// =============================================================================
// SCHEMA
// =============================================================================

func TestNew_MigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLedgerEntries_AppendOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	saveDay(t, s, engine.BusinessDay{ID: "2026-03-14", Status: engine.DayOpen, OpenedAt: now})
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.AppendEntries(ctx, charge(t, "o-1", "")) }))

	_, err := s.db.ExecContext(ctx, `UPDATE ledger_entries SET amount = '0'`)
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.ErrorContains(t, err, "append-only")

	entries, err := s.Entries(ctx, engine.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assertMoney(t, "7.25", entries[0].Amount)
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestAppendEntries_ReusedKeyRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	saveDay(t, s, engine.BusinessDay{ID: "2026-03-14", Status: engine.DayOpen, OpenedAt: now})
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.AppendEntries(ctx, charge(t, "o-1", "dispatch:o-1")) }))

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		if err := tx.AppendEntries(ctx, charge(t, "o-2", "")); err != nil {
			return err
		}
		return tx.AppendEntries(ctx, charge(t, "o-1", "dispatch:o-1"))
	})

	assert.ErrorIs(t, err, engine.ErrAlreadyApplied)
	entries, err := s.Entries(ctx, engine.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "o-2 was rolled back with the failed transaction")
}

func TestAppendEntries_ClosedDay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	closedAt := now
	saveDay(t, s, engine.BusinessDay{ID: "2026-03-14", Status: engine.DayClosed, OpenedAt: now, ClosedAt: &closedAt})

	err := s.WithTx(ctx, func(tx engine.Tx) error { return tx.AppendEntries(ctx, charge(t, "o-1", "")) })

	assert.ErrorIs(t, err, engine.ErrDayClosed)
}

func TestSaveOrder_StaleVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o, err := order.New("o-1", "rest-1", order.DineInAt("T1"), []order.Item{{ID: "i", Name: "soup", UnitPrice: money("4.40"), Quantity: 1}}, "w", now)
	require.NoError(t, err)
	o.Version = 1
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveOrder(ctx, o) }))

	stale := o.Clone()
	o.Version = 2
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveOrder(ctx, o) }))

	stale.Version = 2
	err = s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveOrder(ctx, stale) })
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	// Inserting the same id twice is a conflict as well.
	dup := o.Clone()
	dup.Version = 1
	err = s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveOrder(ctx, dup) })
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
}

func TestSaveShift_OneOpenPerRider(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	save := func(id string) error {
		return s.WithTx(ctx, func(tx engine.Tx) error {
			return tx.SaveShift(ctx, engine.RiderShift{ID: id, RiderID: "r-1", Status: engine.ShiftOpen, OpeningFloat: money("10"), OpenedAt: now})
		})
	}
	require.NoError(t, save("s-1"))

	assert.ErrorIs(t, save("s-2"), engine.ErrConcurrentModification)

	open, err := s.OpenShift(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "s-1", open.ID)
	assertMoney(t, "10.00", open.OpeningFloat)
	assert.Nil(t, open.ClosedAt)
}

func TestOutbox_PendingAndDelivered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		for _, id := range []string{"o-1", "o-2", "o-3"} {
			if err := tx.Enqueue(ctx, events.NewOrderStatusChanged(events.OrderStatusChanged{OrderID: id, FulfillmentStatus: "ACTIVE"}, now)); err != nil {
				return err
			}
		}
		return nil
	}))

	batch, err := s.PendingEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "o-1", batch[0].Key)
	assert.Equal(t, events.TypeOrderStatusChanged, batch[0].Type)
	assert.JSONEq(t, `{"order_id":"o-1","fulfillment_status":"ACTIVE","payment_status":""}`, string(batch[0].Payload))
	assert.True(t, now.Equal(batch[0].CreatedAt))

	require.NoError(t, s.MarkDelivered(ctx, []int64{batch[0].Seq, batch[1].Seq}))
	rest, err := s.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "o-3", rest[0].Key)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_RiderCycleRoundTrips(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	eng := newEngine(t, s, engine.Policy{AllowPartialPayment: true, OpeningCash: money("50")})
	actor := engine.Actor{StaffID: "cashier-1", RestaurantID: "rest-1"}

	// GIVEN: a 22.00 delivery order out with r-1 and a 5.00 float
	deliveryOrder(t, eng, "d-1", actor)
	float := money("5.00")
	res, err := eng.DispatchRider(ctx, engine.DispatchInput{OrderID: "d-1", RiderID: "r-1", OpeningFloat: &float}, actor)
	require.NoError(t, err)
	assertMoney(t, "22.00", res.Order.Total)

	bal, err := eng.Outstanding(ctx, "r-1")
	require.NoError(t, err)
	assertMoney(t, "27.00", bal)

	// WHEN: the rider settles and closes 1.00 short
	settled, err := eng.Settle(ctx, engine.SettleInput{SettlementID: "s-1", RiderID: "r-1", AmountReceived: money("22.00"), OrderIDs: []string{"d-1"}}, actor)
	require.NoError(t, err)
	again, err := eng.Settle(ctx, engine.SettleInput{SettlementID: "s-1", RiderID: "r-1", AmountReceived: money("22.00"), OrderIDs: []string{"d-1"}}, actor)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assertMoney(t, settled.Outstanding.String(), again.Outstanding)

	shift, err := eng.CloseShift(ctx, engine.CloseShiftInput{RiderID: "r-1", ClosingCashReceived: money("4.00")}, actor)
	require.NoError(t, err)
	assertMoney(t, "-1.00", shift.CashDifference)

	// THEN: everything reads back as written
	o, err := eng.GetOrder(ctx, "d-1", actor)
	require.NoError(t, err)
	assert.Equal(t, order.Closed, o.Fulfillment)
	assert.Equal(t, order.Paid, o.Payment)
	assert.Equal(t, []string{"pizza", "cola"}, []string{o.Items[0].ID, o.Items[1].ID})
	require.NotNil(t, o.ClosedAt)
	assert.True(t, now.Equal(*o.ClosedAt))

	shifts, err := eng.Shifts(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, engine.ShiftClosed, shifts[0].Status)
	assertMoney(t, "27.00", shifts[0].ExpectedCash)

	audit, err := eng.OrderAudit(ctx, "d-1", actor)
	require.NoError(t, err)
	assert.NotEmpty(t, audit)

	entries, err := s.Entries(ctx, engine.EntryFilter{})
	require.NoError(t, err)
	assert.NoError(t, ledger.VerifyBalanced(entries))

	// AND: the day closes with the shortage carried
	z, err := eng.CloseBusinessDay(ctx, "2026-03-14", money("70.00"), actor)
	require.NoError(t, err)
	assertMoney(t, "71.00", z.ExpectedDrawer)
	assertMoney(t, "-1.00", *z.Variance)

	closed, err := eng.DayReport(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Len(t, closed.RiderBalances, 1)
	assert.Equal(t, "r-1", closed.RiderBalances[0].RiderID)
	assertMoney(t, "1.00", closed.RiderBalances[0].Balance)

	next, err := eng.CurrentDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14-2", next.ID)
	assertMoney(t, "70.00", next.OpeningCash)
}

func assertMoney(t *testing.T, want string, got ledger.Money) {
	t.Helper()
	assert.Equal(t, money(want).String(), got.String())
}
