/*
machine.go - Order lifecycle rules

PURPOSE:
  Every operation here takes the latest committed Order (the engine re-reads
  it inside the store transaction), applies one transition, and returns the
  audit entries describing what changed. Operations either fully apply or
  return an error without touching the order.

FULFILLMENT (derived):
  ACTIVE  while any item is DRAFT / PENDING / PREPARING
  READY   when every item is DONE / SERVED / SKIPPED, or after ForceReady
  CLOSED  via Close, only when READY and PAID
  CANCELLED / VOIDED from ACTIVE or READY, never from CLOSED

ITEM TRANSITIONS:
  DRAFT -> PENDING (fire; NoPrep items go straight to DONE)
  PENDING -> PREPARING -> DONE -> SERVED
  Anything else needs ForceItem with a reason, and is logged as forced.

IDEMPOTENCY:
  Repeating a transition that already happened (re-fire with no new items,
  advancing an item to its current status, closing a closed order) is a
  successful no-op. Real-time echoes and client retries land here.
*/
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/order-ledger/ledger"
)

// ErrNotDelivery is returned when dispatching a non-delivery order.
var ErrNotDelivery = errors.New("order is not a delivery order")

// next lists the single legal successor for each item status under normal
// kitchen progress.
var next = map[ItemStatus]ItemStatus{
	ItemPending:   ItemPreparing,
	ItemPreparing: ItemDone,
	ItemDone:      ItemServed,
}

// =============================================================================
// COMPOSITION
// =============================================================================

// AddItems appends DRAFT items. Fired items are never replaced; an order
// already handed to a rider or partly paid cannot grow.
func (o *Order) AddItems(items []Item, now time.Time) error {
	if o.Fulfillment.Terminal() {
		return &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Active), Detail: "cannot add items"}
	}
	if o.AssignedRiderID != "" || o.AmountPaid.IsPositive() {
		return &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Active), Detail: "order already dispatched or paid"}
	}
	seen := make(map[string]bool, len(o.Items)+len(items))
	for _, it := range o.Items {
		seen[it.ID] = true
	}
	for _, it := range items {
		if err := it.validate(); err != nil {
			return err
		}
		if seen[it.ID] {
			return fmt.Errorf("%w: duplicate item id %s", ErrInvalidOrder, it.ID)
		}
		seen[it.ID] = true
	}
	for _, it := range items {
		it.Status = ItemDraft
		it.FiredAt = nil
		o.Items = append(o.Items, it)
	}
	if len(items) > 0 {
		o.ForcedReady = false
		o.derive(now, "")
		o.UpdatedAt = now
	}
	return nil
}

// =============================================================================
// FIRE
// =============================================================================

// Fire sends DRAFT items to the kitchen. It reports false when there was
// nothing to fire, which is the idempotent re-fire case.
func (o *Order) Fire(pricing Pricing, actor string, now time.Time) (bool, []AuditEntry, error) {
	if o.Fulfillment.Terminal() {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Active), Detail: "cannot fire"}
	}
	if len(o.Items) == 0 {
		return false, nil, ErrEmptyOrder
	}

	drafts := 0
	for _, it := range o.Items {
		if it.Status == ItemDraft {
			drafts++
		}
	}
	if drafts == 0 {
		return false, nil, nil
	}

	if !o.Fired() {
		o.Pricing = pricing
		started := now
		o.StartedAt = &started
	}
	for i := range o.Items {
		it := &o.Items[i]
		if it.Status != ItemDraft {
			continue
		}
		firedAt := now
		it.FiredAt = &firedAt
		if it.NoPrep {
			it.Status = ItemDone
		} else {
			it.Status = ItemPending
		}
	}
	o.applyTotals()

	audit := []AuditEntry{{
		OrderID: o.ID, Action: ActionFire,
		From: string(o.Fulfillment), To: string(o.Fulfillment),
		ActorID: actor, Reason: fmt.Sprintf("%d item(s) fired", drafts), At: now,
	}}
	audit = append(audit, o.derive(now, actor)...)
	o.UpdatedAt = now
	return true, audit, nil
}

// =============================================================================
// ITEMS
// =============================================================================

// AdvanceItem applies normal kitchen progress to one item.
func (o *Order) AdvanceItem(itemID string, to ItemStatus, actor string, now time.Time) ([]AuditEntry, error) {
	it, err := o.mutableItem(itemID, to)
	if err != nil {
		return nil, err
	}
	if it.Status == to {
		return nil, nil
	}
	if next[it.Status] != to {
		return nil, &TransitionError{OrderID: o.ID, ItemID: itemID, Axis: AxisItem, From: string(it.Status), To: string(to)}
	}
	return o.setItem(it, to, actor, "", false, now), nil
}

// ForceItem moves an item to any fired status, including SKIPPED or a
// regression. It needs a reason and is logged as forced.
func (o *Order) ForceItem(itemID string, to ItemStatus, reason, actor string, now time.Time) ([]AuditEntry, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	it, err := o.mutableItem(itemID, to)
	if err != nil {
		return nil, err
	}
	if to == ItemDraft || it.Status == ItemDraft {
		return nil, &TransitionError{OrderID: o.ID, ItemID: itemID, Axis: AxisItem, From: string(it.Status), To: string(to), Detail: "item has not been fired"}
	}
	if it.Status == to {
		return nil, nil
	}
	return o.setItem(it, to, actor, reason, true, now), nil
}

func (o *Order) mutableItem(itemID string, to ItemStatus) (*Item, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown item status %q", ErrInvalidOrder, to)
	}
	it := o.Item(itemID)
	if it == nil {
		return nil, fmt.Errorf("%w: %s in order %s", ErrItemNotFound, itemID, o.ID)
	}
	if o.Fulfillment.Terminal() {
		return nil, &TransitionError{OrderID: o.ID, ItemID: itemID, Axis: AxisItem, From: string(it.Status), To: string(to), Detail: "order is " + string(o.Fulfillment)}
	}
	return it, nil
}

func (o *Order) setItem(it *Item, to ItemStatus, actor, reason string, forced bool, now time.Time) []AuditEntry {
	action := ActionAdvanceItem
	if forced {
		action = ActionForceItem
	}
	audit := []AuditEntry{{
		OrderID: o.ID, ItemID: it.ID, Action: action,
		From: string(it.Status), To: string(to),
		ActorID: actor, Reason: reason, Forced: forced, At: now,
	}}
	it.Status = to
	audit = append(audit, o.derive(now, actor)...)
	o.UpdatedAt = now
	return audit
}

// =============================================================================
// ORDER-LEVEL TRANSITIONS
// =============================================================================

// ForceReady pushes a fired order to READY despite open items. The order
// keeps the ForcedReady flag so it is distinguishable from a normal
// completion.
func (o *Order) ForceReady(reason, actor string, now time.Time) (bool, []AuditEntry, error) {
	if reason == "" {
		return false, nil, ErrReasonRequired
	}
	if o.Fulfillment.Terminal() {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Ready)}
	}
	if !o.Fired() {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Ready), Detail: "order has not been fired"}
	}
	if o.Fulfillment == Ready {
		return false, nil, nil
	}
	from := o.Fulfillment
	o.ForcedReady = true
	promoted := o.derive(now, actor)
	o.UpdatedAt = now
	audit := []AuditEntry{{
		OrderID: o.ID, Action: ActionForceReady,
		From: string(from), To: string(o.Fulfillment),
		ActorID: actor, Reason: reason, Forced: true, At: now,
	}}
	return true, append(audit, promoted...), nil
}

// ApplyPayment records money received for the order. PAID is reachable
// only from READY; with allowPartial the order shows PARTIALLY_PAID until
// the total is covered.
func (o *Order) ApplyPayment(amount ledger.Money, allowPartial bool, actor string, now time.Time) ([]AuditEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", ErrInvalidOrder)
	}
	if o.Payment.Settled() {
		return nil, &TransitionError{OrderID: o.ID, Axis: AxisPayment, From: string(o.Payment), To: string(Paid), Detail: "payment already settled"}
	}
	if o.Fulfillment != Ready {
		return nil, &TransitionError{OrderID: o.ID, Axis: AxisPayment, From: string(o.Payment), To: string(Paid), Detail: "order is " + string(o.Fulfillment) + ", not READY"}
	}
	from := o.Payment
	o.AmountPaid = o.AmountPaid.Add(amount)
	switch {
	case !o.AmountPaid.LessThan(o.Total):
		o.Payment = Paid
	case allowPartial:
		o.Payment = PartiallyPaid
	}
	o.UpdatedAt = now
	return []AuditEntry{{
		OrderID: o.ID, Action: ActionPayment,
		From: string(from), To: string(o.Payment),
		ActorID: actor, Reason: "received " + amount.String(), At: now,
	}}, nil
}

// Collect records cash a rider took from the customer and handed back;
// received is the part that reached the drawer. With acceptShort the
// customer counts as having paid in full and the gap stays on the rider's
// account. Otherwise a short amount leaves the order PARTIALLY_PAID.
// PAID is only set on a READY order; an order still in the kitchen keeps
// its payment status until derive promotes it.
func (o *Order) Collect(received ledger.Money, acceptShort bool, actor string, now time.Time) ([]AuditEntry, error) {
	if received.IsNegative() {
		return nil, fmt.Errorf("%w: collected amount must not be negative", ErrInvalidOrder)
	}
	if o.Fulfillment.Terminal() || o.Payment.Settled() {
		return nil, &TransitionError{OrderID: o.ID, Axis: AxisPayment, From: string(o.Payment), To: string(Paid), Detail: "order is " + string(o.Fulfillment)}
	}
	due := o.Outstanding()
	short := due.Sub(received)
	from := o.Payment
	reason := "rider handed in " + received.String()
	switch {
	case !short.IsPositive() || acceptShort:
		o.AmountPaid = o.Total
		if o.Fulfillment == Ready {
			o.Payment = Paid
		}
		if short.IsPositive() {
			reason += ", " + short.String() + " short on the rider"
		}
	case received.IsZero():
		return nil, nil
	default:
		o.AmountPaid = o.AmountPaid.Add(received)
		o.Payment = PartiallyPaid
	}
	o.UpdatedAt = now
	return []AuditEntry{{
		OrderID: o.ID, Action: ActionPayment,
		From: string(from), To: string(o.Payment),
		ActorID: actor, Reason: reason, At: now,
	}}, nil
}

// AssignRider marks a delivery order as handed to a rider within a shift.
// Re-assigning to the same rider is a no-op.
func (o *Order) AssignRider(riderID, shiftID string, allowBeforeReady bool, actor string, now time.Time) (bool, []AuditEntry, error) {
	if o.Kind.Type != Delivery {
		return false, nil, fmt.Errorf("%w: %s is %s", ErrNotDelivery, o.ID, o.Kind.Type)
	}
	if o.AssignedRiderID == riderID {
		return false, nil, nil
	}
	if o.AssignedRiderID != "" {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(o.Fulfillment), Detail: "already assigned to rider " + o.AssignedRiderID}
	}
	switch {
	case o.Fulfillment == Ready:
	case o.Fulfillment == Active && allowBeforeReady && o.Fired():
	default:
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(o.Fulfillment), Detail: "order cannot be dispatched"}
	}
	if o.Payment != Unpaid {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisPayment, From: string(o.Payment), To: string(o.Payment), Detail: "only unpaid orders carry cash for collection"}
	}
	o.AssignedRiderID = riderID
	o.ShiftID = shiftID
	o.UpdatedAt = now
	return true, []AuditEntry{{
		OrderID: o.ID, Action: ActionDispatch,
		From: string(o.Fulfillment), To: string(o.Fulfillment),
		ActorID: actor, Reason: "rider " + riderID, At: now,
	}}, nil
}

// Close finishes a READY, PAID order.
func (o *Order) Close(actor string, now time.Time) (bool, []AuditEntry, error) {
	if o.Fulfillment == Closed {
		return false, nil, nil
	}
	if o.Fulfillment != Ready {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(Closed)}
	}
	if o.Payment != Paid {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisPayment, From: string(o.Payment), To: string(Paid), Detail: "order must be paid before closing"}
	}
	o.Fulfillment = Closed
	closedAt := now
	o.ClosedAt = &closedAt
	o.UpdatedAt = now
	return true, []AuditEntry{{
		OrderID: o.ID, Action: ActionClose,
		From: string(Ready), To: string(Closed), ActorID: actor, At: now,
	}}, nil
}

// Cancel ends an ACTIVE or READY order at the customer's request.
func (o *Order) Cancel(reason, actor string, now time.Time) (bool, []AuditEntry, error) {
	return o.terminate(Cancelled, ActionCancel, reason, actor, now)
}

// Void ends an ACTIVE or READY order administratively. A reason is required.
func (o *Order) Void(reason, actor string, now time.Time) (bool, []AuditEntry, error) {
	if reason == "" {
		return false, nil, ErrReasonRequired
	}
	return o.terminate(Voided, ActionVoid, reason, actor, now)
}

func (o *Order) terminate(to FulfillmentStatus, action Action, reason, actor string, now time.Time) (bool, []AuditEntry, error) {
	if o.Fulfillment == to {
		return false, nil, nil
	}
	if o.Fulfillment.Terminal() {
		return false, nil, &TransitionError{OrderID: o.ID, Axis: AxisFulfillment, From: string(o.Fulfillment), To: string(to)}
	}
	audit := []AuditEntry{{
		OrderID: o.ID, Action: action,
		From: string(o.Fulfillment), To: string(to),
		ActorID: actor, Reason: reason, At: now,
	}}
	o.Fulfillment = to
	if o.AmountPaid.IsPositive() {
		audit = append(audit, AuditEntry{
			OrderID: o.ID, Action: ActionRefund,
			From: string(o.Payment), To: string(Refunded),
			ActorID: actor, Reason: "refund " + o.AmountPaid.String(), At: now,
		})
		o.Payment = Refunded
	}
	o.UpdatedAt = now
	return true, audit, nil
}

// =============================================================================
// DERIVATION
// =============================================================================

// DerivedFulfillment computes the fulfillment status from the items. It is
// the single definition used by the state machine and by consistency checks.
func (o *Order) DerivedFulfillment() FulfillmentStatus {
	if o.Fulfillment.Terminal() {
		return o.Fulfillment
	}
	if o.ForcedReady && o.Fired() {
		return Ready
	}
	if len(o.Items) == 0 {
		return Active
	}
	for _, it := range o.Items {
		if !it.Status.Finished() {
			return Active
		}
	}
	return Ready
}

// derive re-applies DerivedFulfillment. It returns an auto_ready entry when
// the order just became READY through item progress, and a payment entry
// when cash collected earlier makes the READY order PAID.
func (o *Order) derive(now time.Time, actor string) []AuditEntry {
	from := o.Fulfillment
	to := o.DerivedFulfillment()
	if from == to {
		return nil
	}
	o.Fulfillment = to
	if to != Ready {
		return nil
	}
	readyAt := now
	o.ReadyAt = &readyAt
	var audit []AuditEntry
	if !o.ForcedReady {
		audit = append(audit, AuditEntry{OrderID: o.ID, Action: ActionAutoReady, From: string(from), To: string(to), ActorID: actor, At: now})
	}
	if o.Payment != Paid && o.Collected() {
		audit = append(audit, AuditEntry{
			OrderID: o.ID, Action: ActionPayment,
			From: string(o.Payment), To: string(Paid),
			ActorID: actor, Reason: "collected before ready", At: now,
		})
		o.Payment = Paid
	}
	return audit
}
