package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

type DispatchInput struct {
	OrderID      string
	RiderID      string
	OpeningFloat *ledger.Money // issued only when this dispatch opens the shift
}

type DispatchResult struct {
	Order *order.Order
	Shift RiderShift
}

// DispatchRider hands a delivery order to a rider. It is the single place a
// rider's debt is created: in one transaction it opens the rider's shift if
// needed, posts the float (new shifts only) and the order value to the
// rider account, and assigns the order. Dispatching an order to the rider
// it already belongs to is a no-op.
func (e *Engine) DispatchRider(ctx context.Context, in DispatchInput, actor Actor) (*DispatchResult, error) {
	var result *DispatchResult
	fields := logrus.Fields{"order_id": in.OrderID, "rider_id": in.RiderID, "actor": actor.StaffID}
	err := e.write(ctx, "dispatch", fields, func(tx Tx) error {
		if in.RiderID == "" {
			return fmt.Errorf("%w: rider id is required", ErrInvalidInput)
		}
		float := ledger.Zero
		if in.OpeningFloat != nil {
			float = *in.OpeningFloat
		}
		if float.IsNegative() {
			return &AmountError{Field: "opening_float", Amount: float, Detail: "must not be negative"}
		}

		o, err := loadOrder(ctx, tx, in.OrderID, actor)
		if err != nil {
			return err
		}
		now := e.Now()

		shift, err := tx.OpenShift(ctx, in.RiderID)
		if err != nil {
			return err
		}
		if o.AssignedRiderID == in.RiderID {
			result = &DispatchResult{Order: o}
			if shift != nil {
				result.Shift = *shift
			}
			return nil
		}

		opened := false
		if shift == nil {
			opening, err := riderBalance(ctx, tx, in.RiderID)
			if err != nil {
				return err
			}
			shift = &RiderShift{
				ID:             uuid.NewString(),
				RiderID:        in.RiderID,
				Status:         ShiftOpen,
				OpeningFloat:   float,
				OpeningBalance: opening,
				OpenedBy:       actor.StaffID,
				OpenedAt:       now,
			}
			opened = true
		} else if err := e.checkCapacity(ctx, tx, shift); err != nil {
			return err
		}

		before := statusOf(o)
		changed, audit, err := o.AssignRider(in.RiderID, shift.ID, e.Policy.DispatchBeforeReady, actor.StaffID, now)
		if err != nil {
			return err
		}
		result = &DispatchResult{Order: o, Shift: *shift}
		if !changed {
			return nil
		}

		rider := ledger.RiderAccount(in.RiderID)
		ref := ledger.OrderRef(o.ID)
		var j ledger.Journal
		if opened && float.IsPositive() {
			p, err := ledger.NewPosting(rider, ledger.CashDrawer, float, ref, ledger.PurposeFloat, actor.StaffID)
			if err != nil {
				return err
			}
			p.IdempotencyKey = "float:" + shift.ID
			j.Add(p)
		} else if !float.IsZero() {
			e.log.WithFields(fields).Debug("shift already open, float ignored")
		}
		charge, err := ledger.NewPosting(rider, ledger.Revenue, o.Total, ref, ledger.PurposeOrderCharge, actor.StaffID)
		if err != nil {
			return err
		}
		charge.IdempotencyKey = "dispatch:" + o.ID
		j.Add(charge)

		if opened {
			e.log.WithFields(fields).WithField("shift_id", shift.ID).Info("rider shift opened")
		}
		if err := tx.SaveShift(ctx, *shift); err != nil {
			return err
		}
		if err := e.post(ctx, tx, j, now); err != nil {
			return err
		}
		return e.saveOrder(ctx, tx, o, before, audit, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkCapacity rejects a new order when the shift already carries
// RiderCapacity orders still waiting for their cash.
func (e *Engine) checkCapacity(ctx context.Context, r Reader, shift *RiderShift) error {
	if e.Policy.RiderCapacity <= 0 {
		return nil
	}
	orders, err := r.ListOrders(ctx, OrderFilter{ShiftID: shift.ID})
	if err != nil {
		return err
	}
	open := 0
	for _, o := range orders {
		if !o.Fulfillment.Terminal() && !o.Collected() {
			open++
		}
	}
	if open >= e.Policy.RiderCapacity {
		return ErrRiderAtCapacity
	}
	return nil
}
