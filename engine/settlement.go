/*
settlement.go - SettlementEngine

PURPOSE:
  Clears rider debt when cash comes back to the drawer.

SETTLE:
  One posting per call: DEBIT cash-drawer / CREDIT rider for the amount
  received, under reference SETTLEMENT:<settlement_id>. The amount is then
  allocated across the listed orders in the order given. Every listed order
  is marked PAID, since the customer paid the rider; with partial payment
  allowed an order not fully covered is PARTIALLY_PAID instead. A shortfall
  is never posted separately; it is what remains on the rider account and
  it carries into the next shift's opening balance.

  An order settled before it is READY keeps its cash and becomes PAID when
  the kitchen finishes it.

CLOSE SHIFT:
  expected_cash   = opening_balance + opening_float + Σ totals of the
                    shift's orders that were not cancelled or voided
  cash_difference = cash received in the shift − expected_cash
                  = −(rider balance after close)
  A non-zero difference is recorded as is; it is never forced to zero.

IDEMPOTENCY:
  Settle is keyed by settlement_id through the operations table. A retry
  after commit returns the stored result with Replayed set.
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

type SettleInput struct {
	SettlementID   string // idempotency key; generated when empty
	RiderID        string
	AmountReceived ledger.Money
	OrderIDs       []string

	// RecordedZero accepts a zero amount as an explicitly recorded shortage.
	RecordedZero bool
}

type OrderSettlement struct {
	OrderID           string                  `json:"order_id"`
	Applied           ledger.Money            `json:"applied"`
	PaymentStatus     order.PaymentStatus     `json:"payment_status"`
	FulfillmentStatus order.FulfillmentStatus `json:"fulfillment_status"`
}

type SettlementResult struct {
	SettlementID   string            `json:"settlement_id"`
	RiderID        string            `json:"rider_id"`
	AmountReceived ledger.Money      `json:"amount_received"`
	Expected       ledger.Money      `json:"expected"`
	Shortfall      ledger.Money      `json:"shortfall"`
	Orders         []OrderSettlement `json:"orders"`
	Outstanding    ledger.Money      `json:"outstanding"`

	// Replayed is set when the settlement had already been applied.
	Replayed bool `json:"-"`
}

// Settle records cash handed back by a rider against a set of orders.
func (e *Engine) Settle(ctx context.Context, in SettleInput, actor Actor) (*SettlementResult, error) {
	if in.SettlementID == "" {
		in.SettlementID = uuid.NewString()
	}
	var result *SettlementResult
	fields := logrus.Fields{"rider_id": in.RiderID, "settlement_id": in.SettlementID, "actor": actor.StaffID}
	err := e.write(ctx, "settle", fields, func(tx Tx) error {
		key := operationKey(opSettlement, in.SettlementID)
		prior, err := tx.Operation(ctx, key)
		if err != nil {
			return err
		}
		if prior != nil {
			var r SettlementResult
			if err := json.Unmarshal(prior.Result, &r); err != nil {
				return fmt.Errorf("decode settlement %s: %w", in.SettlementID, err)
			}
			r.Replayed = true
			result = &r
			return nil
		}

		if in.RiderID == "" {
			return fmt.Errorf("%w: rider id is required", ErrInvalidInput)
		}
		amount := in.AmountReceived
		if amount.IsNegative() {
			return &AmountError{Field: "amount_received", Amount: amount, Detail: "must not be negative"}
		}

		orders, err := e.settlementOrders(ctx, tx, in, actor)
		if err != nil {
			return err
		}
		var pending []*order.Order
		expected := ledger.Zero
		for _, o := range orders {
			if o.Fulfillment.Terminal() || o.Collected() {
				continue
			}
			pending = append(pending, o)
			expected = expected.Add(o.Outstanding())
		}

		now := e.Now()
		r := &SettlementResult{
			SettlementID:   in.SettlementID,
			RiderID:        in.RiderID,
			AmountReceived: amount,
			Expected:       expected,
			Shortfall:      ledger.Zero,
		}
		result = r

		switch {
		case len(orders) > 0 && len(pending) == 0:
			// Every order is already collected: a retried or echoed settlement.
			if amount.IsPositive() {
				e.log.WithFields(fields).WithField("amount", amount).Warn("settlement names only collected orders, cash not posted")
			}
			r.AmountReceived = ledger.Zero
			for _, o := range orders {
				r.Orders = append(r.Orders, OrderSettlement{OrderID: o.ID, Applied: ledger.Zero, PaymentStatus: o.Payment, FulfillmentStatus: o.Fulfillment})
			}
			if r.Outstanding, err = riderBalance(ctx, tx, in.RiderID); err != nil {
				return err
			}
			return e.recordSettlement(ctx, tx, key, r, actor, now)
		case amount.IsZero() && !in.RecordedZero:
			return &AmountError{Field: "amount_received", Amount: amount, Detail: "must be positive unless recorded as a zero settlement"}
		}

		// The customer paid the rider, so a short order is still paid unless
		// partial payment is tracked per order; the gap stays on the rider.
		acceptShort := !e.Policy.AllowPartialPayment || in.RecordedZero
		remaining := amount
		for _, o := range pending {
			before := statusOf(o)
			apply := remaining.Min(o.Outstanding())
			audit, err := o.Collect(apply, acceptShort, actor.StaffID, now)
			if err != nil {
				return err
			}
			if len(audit) > 0 {
				more, _, err := autoClose(o, actor.StaffID, now)
				if err != nil {
					return err
				}
				if err := e.saveOrder(ctx, tx, o, before, append(audit, more...), now); err != nil {
					return err
				}
			}
			remaining = remaining.Sub(apply)
			r.Orders = append(r.Orders, OrderSettlement{
				OrderID:           o.ID,
				Applied:           apply,
				PaymentStatus:     o.Payment,
				FulfillmentStatus: o.Fulfillment,
			})
		}
		if amount.LessThan(expected) {
			r.Shortfall = expected.Sub(amount)
		}

		if amount.IsPositive() {
			p, err := ledger.NewPosting(ledger.CashDrawer, ledger.RiderAccount(in.RiderID), amount, ledger.SettlementRef(in.SettlementID), ledger.PurposeSettlement, actor.StaffID)
			if err != nil {
				return err
			}
			p.IdempotencyKey = key
			var j ledger.Journal
			j.Add(p)
			if err := e.post(ctx, tx, j, now); err != nil {
				return err
			}
		}

		if r.Outstanding, err = riderBalance(ctx, tx, in.RiderID); err != nil {
			return err
		}
		log := e.log.WithFields(fields).WithFields(logrus.Fields{
			"amount":      amount,
			"expected":    expected,
			"outstanding": r.Outstanding,
		})
		if r.Shortfall.IsPositive() {
			log.WithField("shortfall", r.Shortfall).Warn("rider settled short, balance carried")
		} else {
			log.Info("rider settled")
		}
		return e.recordSettlement(ctx, tx, key, r, actor, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settlementOrders loads the listed orders once each and checks that every
// one was dispatched to the rider.
func (e *Engine) settlementOrders(ctx context.Context, r Reader, in SettleInput, actor Actor) ([]*order.Order, error) {
	seen := make(map[string]bool, len(in.OrderIDs))
	var out []*order.Order
	for _, id := range in.OrderIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		o, err := loadOrder(ctx, r, id, actor)
		if err != nil {
			return nil, err
		}
		if o.AssignedRiderID != in.RiderID {
			return nil, &NotAssignedError{RiderID: in.RiderID, OrderID: o.ID, AssignedTo: o.AssignedRiderID}
		}
		out = append(out, o)
	}
	return out, nil
}

func (e *Engine) recordSettlement(ctx context.Context, tx Tx, key string, r *SettlementResult, actor Actor, now time.Time) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.SaveOperation(ctx, Operation{Key: key, Kind: opSettlement, Result: body, ActorID: actor.StaffID, CreatedAt: now})
}

// =============================================================================
// CLOSE SHIFT
// =============================================================================

type CloseShiftInput struct {
	RiderID string

	// ClosingCashReceived is cash handed in at close beyond earlier
	// settlements (typically the float). Zero is allowed.
	ClosingCashReceived ledger.Money
}

// CloseShift reconciles and closes the rider's OPEN shift. It is rejected
// while any order of the shift still waits for its money.
func (e *Engine) CloseShift(ctx context.Context, in CloseShiftInput, actor Actor) (*RiderShift, error) {
	var result *RiderShift
	fields := logrus.Fields{"rider_id": in.RiderID, "actor": actor.StaffID}
	err := e.write(ctx, "close_shift", fields, func(tx Tx) error {
		if in.ClosingCashReceived.IsNegative() {
			return &AmountError{Field: "closing_cash_received", Amount: in.ClosingCashReceived, Detail: "must not be negative"}
		}
		shift, err := tx.OpenShift(ctx, in.RiderID)
		if err != nil {
			return err
		}
		if shift == nil {
			return fmt.Errorf("%w: %s", ErrNoOpenShift, in.RiderID)
		}

		orders, err := tx.ListOrders(ctx, OrderFilter{ShiftID: shift.ID})
		if err != nil {
			return err
		}
		expected := shift.OpeningBalance.Add(shift.OpeningFloat)
		var unpaid []string
		for _, o := range orders {
			if o.Fulfillment == order.Cancelled || o.Fulfillment == order.Voided {
				continue
			}
			if !o.Payment.Settled() {
				unpaid = append(unpaid, o.ID)
			}
			expected = expected.Add(o.Total)
		}
		if len(unpaid) > 0 {
			return &UnpaidOrdersError{ShiftID: shift.ID, OrderIDs: unpaid}
		}

		now := e.Now()
		if in.ClosingCashReceived.IsPositive() {
			p, err := ledger.NewPosting(ledger.CashDrawer, ledger.RiderAccount(in.RiderID), in.ClosingCashReceived, ledger.SettlementRef("shift:"+shift.ID), ledger.PurposeSettlement, actor.StaffID)
			if err != nil {
				return err
			}
			p.IdempotencyKey = "shift-close:" + shift.ID
			var j ledger.Journal
			j.Add(p)
			if err := e.post(ctx, tx, j, now); err != nil {
				return err
			}
		}

		outstanding, err := riderBalance(ctx, tx, in.RiderID)
		if err != nil {
			return err
		}
		closedAt := now
		shift.Status = ShiftClosed
		shift.ExpectedCash = expected
		shift.CashDifference = outstanding.Neg()
		shift.ClosingCashReceived = expected.Add(shift.CashDifference)
		shift.ClosedBy = actor.StaffID
		shift.ClosedAt = &closedAt
		if err := tx.SaveShift(ctx, *shift); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, events.NewShiftClosed(events.ShiftClosed{
			RiderID:        in.RiderID,
			ShiftID:        shift.ID,
			CashDifference: shift.CashDifference,
		}, now)); err != nil {
			return err
		}

		log := e.log.WithFields(fields).WithFields(logrus.Fields{
			"shift_id":   shift.ID,
			"expected":   expected,
			"received":   shift.ClosingCashReceived,
			"difference": shift.CashDifference,
		})
		if shift.CashDifference.IsZero() {
			log.Info("rider shift closed")
		} else {
			log.Warn("rider shift closed with cash difference")
		}
		result = shift
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
