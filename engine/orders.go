package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// CREATE / UPDATE
// =============================================================================

// OrderInput is the client's view of an order. The ID is client generated
// and doubles as the idempotency key.
type OrderInput struct {
	ID    string
	Kind  order.Kind
	Items []order.Item
}

// CreateOrUpdateOrder creates the order, or merges the input into the
// existing one: unknown item IDs are appended as DRAFT, known ones are left
// untouched. Replaying the same input changes nothing.
func (e *Engine) CreateOrUpdateOrder(ctx context.Context, in OrderInput, actor Actor) (*order.Order, error) {
	var result *order.Order
	err := e.write(ctx, "create_or_update", logrus.Fields{"order_id": in.ID, "actor": actor.StaffID}, func(tx Tx) error {
		now := e.Now()
		existing, err := tx.GetOrder(ctx, in.ID)
		if errors.Is(err, ErrNotFound) {
			o, err := order.New(in.ID, actor.RestaurantID, in.Kind, in.Items, actor.StaffID, now)
			if err != nil {
				return err
			}
			result = o
			audit := []order.AuditEntry{{
				OrderID: o.ID, Action: order.ActionCreate,
				To: string(o.Fulfillment), ActorID: actor.StaffID,
				Reason: fmt.Sprintf("%s with %d item(s)", o.Kind.Type, len(o.Items)), At: now,
			}}
			return e.saveOrder(ctx, tx, o, statusOf(nil), audit, now)
		}
		if err != nil {
			return err
		}
		if actor.RestaurantID != "" && existing.RestaurantID != actor.RestaurantID {
			return fmt.Errorf("%w: order id %s is already taken", order.ErrInvalidOrder, in.ID)
		}

		o := existing
		before := statusOf(o)
		var audit []order.AuditEntry

		if in.Kind != o.Kind {
			if err := updateKind(o, in.Kind); err != nil {
				return err
			}
			audit = append(audit, order.AuditEntry{
				OrderID: o.ID, Action: order.ActionUpdate,
				From: string(o.Fulfillment), To: string(o.Fulfillment),
				ActorID: actor.StaffID, Reason: "order details updated", At: now,
			})
		}

		var added []order.Item
		for _, it := range in.Items {
			if o.Item(it.ID) == nil {
				added = append(added, it)
			}
		}
		if len(added) > 0 {
			if err := o.AddItems(added, now); err != nil {
				return err
			}
			audit = append(audit, order.AuditEntry{
				OrderID: o.ID, Action: order.ActionAddItems,
				From: string(before.fulfillment), To: string(o.Fulfillment),
				ActorID: actor.StaffID, Reason: fmt.Sprintf("%d item(s) added", len(added)), At: now,
			})
		}

		result = o
		if len(audit) == 0 {
			return nil
		}
		o.UpdatedAt = now
		return e.saveOrder(ctx, tx, o, before, audit, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// updateKind changes contact/table/address details while the order is
// ACTIVE and not dispatched. The kind itself can change only before the
// first fire, since fire snapshots kind-dependent charges.
func updateKind(o *order.Order, k order.Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}
	if o.Fulfillment != order.Active || o.AssignedRiderID != "" {
		return &order.TransitionError{OrderID: o.ID, Axis: order.AxisFulfillment, From: string(o.Fulfillment), To: string(o.Fulfillment), Detail: "order details are frozen"}
	}
	if k.Type != o.Kind.Type && o.Fired() {
		return &order.TransitionError{OrderID: o.ID, Axis: order.AxisFulfillment, From: string(o.Fulfillment), To: string(o.Fulfillment), Detail: "order kind cannot change after fire"}
	}
	o.Kind = k
	return nil
}

// =============================================================================
// KITCHEN
// =============================================================================

// FireOrder sends DRAFT items to the kitchen. Re-firing with nothing new is
// a successful no-op.
func (e *Engine) FireOrder(ctx context.Context, orderID string, actor Actor) (*order.Order, error) {
	return e.kitchen(ctx, "fire", orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		return o.Fire(e.Policy.Pricing, actor.StaffID, now)
	})
}

// AdvanceItem applies normal kitchen progress to one item.
func (e *Engine) AdvanceItem(ctx context.Context, orderID, itemID string, to order.ItemStatus, actor Actor) (*order.Order, error) {
	return e.kitchen(ctx, "advance_item", orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		audit, err := o.AdvanceItem(itemID, to, actor.StaffID, now)
		return len(audit) > 0, audit, err
	})
}

// ForceItem overrides an item's status (skip, regress). Logged as forced.
func (e *Engine) ForceItem(ctx context.Context, orderID, itemID string, to order.ItemStatus, reason string, actor Actor) (*order.Order, error) {
	return e.kitchen(ctx, "force_item", orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		audit, err := o.ForceItem(itemID, to, reason, actor.StaffID, now)
		return len(audit) > 0, audit, err
	})
}

func (e *Engine) ForceReady(ctx context.Context, orderID, reason string, actor Actor) (*order.Order, error) {
	return e.kitchen(ctx, "force_ready", orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		return o.ForceReady(reason, actor.StaffID, now)
	})
}

// CloseOrder finishes a READY, PAID order and releases its table.
func (e *Engine) CloseOrder(ctx context.Context, orderID string, actor Actor) (*order.Order, error) {
	closed := false
	o, err := e.transition(ctx, "close", orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		changed, audit, err := o.Close(actor.StaffID, now)
		closed = changed
		return changed, audit, err
	})
	if err == nil && closed {
		e.releaseTable(ctx, o)
	}
	return o, err
}

// kitchen runs a kitchen-side transition. An order whose cash a rider
// already handed in is closed as soon as it reaches READY.
func (e *Engine) kitchen(ctx context.Context, op, orderID string, actor Actor, fn transitionFunc) (*order.Order, error) {
	closed := false
	o, err := e.transition(ctx, op, orderID, actor, func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error) {
		changed, audit, err := fn(o, now)
		if err != nil || !changed {
			return changed, audit, err
		}
		more, ok, err := autoClose(o, actor.StaffID, now)
		if err != nil {
			return false, nil, err
		}
		closed = ok
		return true, append(audit, more...), nil
	})
	if err == nil && closed {
		e.releaseTable(ctx, o)
	}
	return o, err
}

type transitionFunc func(o *order.Order, now time.Time) (bool, []order.AuditEntry, error)

// transition runs a ledger-free order transition.
func (e *Engine) transition(ctx context.Context, op, orderID string, actor Actor, fn transitionFunc) (*order.Order, error) {
	var result *order.Order
	err := e.write(ctx, op, logrus.Fields{"order_id": orderID, "actor": actor.StaffID}, func(tx Tx) error {
		o, err := loadOrder(ctx, tx, orderID, actor)
		if err != nil {
			return err
		}
		now := e.Now()
		before := statusOf(o)
		changed, audit, err := fn(o, now)
		if err != nil {
			return err
		}
		result = o
		if !changed {
			return nil
		}
		return e.saveOrder(ctx, tx, o, before, audit, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// CANCEL / VOID
// =============================================================================

// CancelOrder ends an ACTIVE or READY order. Dispatch postings are reversed
// and money already taken is refunded.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string, actor Actor) (*order.Order, error) {
	return e.terminate(ctx, "cancel", orderID, reason, actor, (*order.Order).Cancel)
}

// VoidOrder is the administrative variant of CancelOrder. A reason is required.
func (e *Engine) VoidOrder(ctx context.Context, orderID, reason string, actor Actor) (*order.Order, error) {
	return e.terminate(ctx, "void", orderID, reason, actor, (*order.Order).Void)
}

type terminateFunc func(o *order.Order, reason, actor string, now time.Time) (bool, []order.AuditEntry, error)

func (e *Engine) terminate(ctx context.Context, op, orderID, reason string, actor Actor, fn terminateFunc) (*order.Order, error) {
	var result *order.Order
	changed := false
	err := e.write(ctx, op, logrus.Fields{"order_id": orderID, "actor": actor.StaffID}, func(tx Tx) error {
		o, err := loadOrder(ctx, tx, orderID, actor)
		if err != nil {
			return err
		}
		now := e.Now()
		before := statusOf(o)
		paid := o.AmountPaid

		var audit []order.AuditEntry
		changed, audit, err = fn(o, reason, actor.StaffID, now)
		if err != nil {
			return err
		}
		result = o
		if !changed {
			return nil
		}

		var j ledger.Journal
		reversible, err := reverseOrder(ctx, tx, o.ID, actor.StaffID, ledger.PurposeFloat, ledger.PurposeOrderCharge)
		if err != nil {
			return err
		}
		recalled := ledger.Zero
		for _, p := range reversible {
			j.Add(p.Reverse(actor.StaffID))
			if p.Purpose == ledger.PurposeFloat {
				recalled = recalled.Add(p.Amount)
			}
		}
		if !recalled.IsZero() {
			if err := recallFloat(ctx, tx, o, recalled); err != nil {
				return err
			}
		}

		if paid.IsPositive() {
			refund, err := refundPosting(o, paid, actor.StaffID)
			if err != nil {
				return err
			}
			j.Add(refund)
		}

		if err := e.post(ctx, tx, j, now); err != nil {
			return err
		}
		return e.saveOrder(ctx, tx, o, before, audit, now)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.releaseTable(ctx, result)
	}
	return result, nil
}

// recallFloat lowers the open shift's float by the reversed amount, so the
// shift's expected cash no longer counts it.
func recallFloat(ctx context.Context, tx Tx, o *order.Order, amount ledger.Money) error {
	shift, err := tx.OpenShift(ctx, o.AssignedRiderID)
	if err != nil {
		return err
	}
	if shift == nil || shift.ID != o.ShiftID {
		return nil
	}
	shift.OpeningFloat = shift.OpeningFloat.Sub(amount)
	return tx.SaveShift(ctx, *shift)
}

// refundPosting returns money taken for a cancelled order. Delivery money
// went through the rider, so the drawer pays it back to the rider account;
// counter money came from revenue.
func refundPosting(o *order.Order, amount ledger.Money, actorID string) (ledger.Posting, error) {
	debit := ledger.Revenue
	if o.AssignedRiderID != "" {
		debit = ledger.RiderAccount(o.AssignedRiderID)
	}
	p, err := ledger.NewPosting(debit, ledger.CashDrawer, amount, ledger.OrderRef(o.ID), ledger.PurposeRefund, actorID)
	if err != nil {
		return ledger.Posting{}, err
	}
	p.IdempotencyKey = "refund:" + o.ID
	return p, nil
}

// =============================================================================
// COUNTER PAYMENT
// =============================================================================

type PaymentInput struct {
	PaymentID string // idempotency key
	OrderID   string
	Amount    ledger.Money
}

// RecordPayment takes cash at the counter for an order that is not out with
// a rider. Only the amount still due is kept; change is handed back. A fully
// paid READY order closes.
func (e *Engine) RecordPayment(ctx context.Context, in PaymentInput, actor Actor) (*order.Order, error) {
	var result *order.Order
	closed := false
	err := e.write(ctx, "payment", logrus.Fields{"order_id": in.OrderID, "payment_id": in.PaymentID, "actor": actor.StaffID}, func(tx Tx) error {
		if in.PaymentID == "" {
			return fmt.Errorf("%w: payment id is required", ErrInvalidInput)
		}
		key := operationKey(opPayment, in.PaymentID)
		prior, err := tx.Operation(ctx, key)
		if err != nil {
			return err
		}
		o, err := loadOrder(ctx, tx, in.OrderID, actor)
		if err != nil {
			return err
		}
		result = o
		if prior != nil {
			return nil
		}

		if !in.Amount.IsPositive() {
			return &AmountError{Field: "amount", Amount: in.Amount, Detail: "must be positive"}
		}
		if o.AssignedRiderID != "" {
			return &order.TransitionError{OrderID: o.ID, Axis: order.AxisPayment, From: string(o.Payment), To: string(order.Paid), Detail: "order is with rider " + o.AssignedRiderID + ", settle through the rider"}
		}
		if o.Payment.Settled() {
			return &order.TransitionError{OrderID: o.ID, Axis: order.AxisPayment, From: string(o.Payment), To: string(order.Paid), Detail: "payment already settled"}
		}
		due := o.Outstanding()
		applied := in.Amount.Min(due)
		if applied.LessThan(due) && !e.Policy.AllowPartialPayment {
			return &AmountError{Field: "amount", Amount: in.Amount, Detail: "partial payment not allowed, due " + due.String()}
		}

		now := e.Now()
		before := statusOf(o)
		audit, err := o.ApplyPayment(applied, e.Policy.AllowPartialPayment, actor.StaffID, now)
		if err != nil {
			return err
		}
		more, didClose, err := autoClose(o, actor.StaffID, now)
		if err != nil {
			return err
		}
		audit = append(audit, more...)
		closed = didClose

		p, err := ledger.NewPosting(ledger.CashDrawer, ledger.Revenue, applied, ledger.OrderRef(o.ID), ledger.PurposeCashSale, actor.StaffID)
		if err != nil {
			return err
		}
		p.IdempotencyKey = key
		var j ledger.Journal
		j.Add(p)
		if err := e.post(ctx, tx, j, now); err != nil {
			return err
		}
		if err := e.saveOrder(ctx, tx, o, before, audit, now); err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]string{"order_id": o.ID, "applied": applied.String()})
		return tx.SaveOperation(ctx, Operation{Key: key, Kind: opPayment, Result: body, ActorID: actor.StaffID, CreatedAt: now})
	})
	if err != nil {
		return nil, err
	}
	if closed {
		e.releaseTable(ctx, result)
	}
	return result, nil
}

// autoClose closes an order that is both READY and PAID.
func autoClose(o *order.Order, actorID string, now time.Time) ([]order.AuditEntry, bool, error) {
	if o.Fulfillment != order.Ready || o.Payment != order.Paid {
		return nil, false, nil
	}
	changed, audit, err := o.Close(actorID, now)
	return audit, changed, err
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetOrder(ctx context.Context, orderID string, actor Actor) (*order.Order, error) {
	return loadOrder(ctx, e.Store, orderID, actor)
}

func (e *Engine) ListOrders(ctx context.Context, filter OrderFilter, actor Actor) ([]*order.Order, error) {
	if actor.RestaurantID != "" {
		filter.RestaurantID = actor.RestaurantID
	}
	return e.Store.ListOrders(ctx, filter)
}

func (e *Engine) OrderAudit(ctx context.Context, orderID string, actor Actor) ([]order.AuditEntry, error) {
	if _, err := loadOrder(ctx, e.Store, orderID, actor); err != nil {
		return nil, err
	}
	return e.Store.OrderAudit(ctx, orderID)
}

func (e *Engine) Entries(ctx context.Context, filter EntryFilter) ([]ledger.Entry, error) {
	return e.Store.Entries(ctx, filter)
}
