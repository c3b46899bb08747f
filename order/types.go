/*
Package order models a restaurant order and the rules for moving it through
its lifecycle.

PURPOSE:
  An Order moves along two independent axes:
    - Fulfillment: ACTIVE -> READY -> CLOSED, with CANCELLED / VOIDED side exits
    - Payment:     UNPAID -> PARTIALLY_PAID -> PAID, or REFUNDED
  Each line item has its own kitchen status. The order's fulfillment status
  is DERIVED from its items; it is never set independently (except the
  logged ForceReady override).

KEY CONCEPTS IN THIS FILE (types.go):
  - FulfillmentStatus, PaymentStatus, ItemStatus: closed enums
  - Kind: DINE_IN(table) / TAKEAWAY(contact) / DELIVERY(contact, address)
  - Item: snapshotted name/price/quantity, immune to later menu edits
  - AuditEntry: one logged transition

This package is pure: no storage, no clock reads, no logging. The engine
package loads an Order inside a store transaction, applies one of the
machine.go operations, and persists the result.

SEE ALSO:
  - machine.go: transition rules
  - pricing.go: fire-time totals
*/
package order

import (
	"fmt"
	"time"

	"github.com/warp/order-ledger/ledger"
)

// =============================================================================
// STATUS ENUMS
// =============================================================================

type FulfillmentStatus string

const (
	Active    FulfillmentStatus = "ACTIVE"
	Ready     FulfillmentStatus = "READY"
	Closed    FulfillmentStatus = "CLOSED"
	Cancelled FulfillmentStatus = "CANCELLED"
	Voided    FulfillmentStatus = "VOIDED"
)

// Terminal reports whether no further fulfillment transition is possible.
func (s FulfillmentStatus) Terminal() bool {
	return s == Closed || s == Cancelled || s == Voided
}

func (s FulfillmentStatus) Valid() bool {
	switch s {
	case Active, Ready, Closed, Cancelled, Voided:
		return true
	}
	return false
}

type PaymentStatus string

const (
	Unpaid        PaymentStatus = "UNPAID"
	PartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	Paid          PaymentStatus = "PAID"
	Refunded      PaymentStatus = "REFUNDED"
)

// Settled reports whether the payment axis is final.
func (s PaymentStatus) Settled() bool { return s == Paid || s == Refunded }

func (s PaymentStatus) Valid() bool {
	switch s {
	case Unpaid, PartiallyPaid, Paid, Refunded:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemDraft     ItemStatus = "DRAFT" // composed but not yet fired to the kitchen
	ItemPending   ItemStatus = "PENDING"
	ItemPreparing ItemStatus = "PREPARING"
	ItemDone      ItemStatus = "DONE"
	ItemServed    ItemStatus = "SERVED"
	ItemSkipped   ItemStatus = "SKIPPED"
)

// Finished reports whether the item no longer blocks the order from READY.
func (s ItemStatus) Finished() bool {
	return s == ItemDone || s == ItemServed || s == ItemSkipped
}

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemDraft, ItemPending, ItemPreparing, ItemDone, ItemServed, ItemSkipped:
		return true
	}
	return false
}

// =============================================================================
// ORDER KIND - Tagged variant
// =============================================================================

type KindType string

const (
	DineIn   KindType = "DINE_IN"
	Takeaway KindType = "TAKEAWAY"
	Delivery KindType = "DELIVERY"
)

type Contact struct {
	Name  string
	Phone string
}

// Kind carries the fields valid for its Type only. Use the constructors.
type Kind struct {
	Type     KindType
	TableRef string  // DINE_IN
	Contact  Contact // TAKEAWAY, DELIVERY
	Address  string  // DELIVERY
}

func DineInAt(table string) Kind { return Kind{Type: DineIn, TableRef: table} }
func TakeawayFor(c Contact) Kind { return Kind{Type: Takeaway, Contact: c} }
func DeliveryTo(c Contact, address string) Kind {
	return Kind{Type: Delivery, Contact: c, Address: address}
}

// Validate checks that the variant's required fields are present and that
// no field from another variant leaks in.
func (k Kind) Validate() error {
	switch k.Type {
	case DineIn:
		if k.TableRef == "" {
			return fmt.Errorf("%w: dine-in order requires a table", ErrInvalidOrder)
		}
		if k.Address != "" {
			return fmt.Errorf("%w: dine-in order cannot have an address", ErrInvalidOrder)
		}
	case Takeaway:
		if k.Contact.Name == "" && k.Contact.Phone == "" {
			return fmt.Errorf("%w: takeaway order requires a customer contact", ErrInvalidOrder)
		}
		if k.TableRef != "" || k.Address != "" {
			return fmt.Errorf("%w: takeaway order cannot have a table or address", ErrInvalidOrder)
		}
	case Delivery:
		if k.Contact.Name == "" && k.Contact.Phone == "" {
			return fmt.Errorf("%w: delivery order requires a customer contact", ErrInvalidOrder)
		}
		if k.Address == "" {
			return fmt.Errorf("%w: delivery order requires an address", ErrInvalidOrder)
		}
		if k.TableRef != "" {
			return fmt.Errorf("%w: delivery order cannot have a table", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown order kind %q", ErrInvalidOrder, k.Type)
	}
	return nil
}

// =============================================================================
// ITEM
// =============================================================================

type Item struct {
	ID        string
	Name      string
	UnitPrice ledger.Money
	Quantity  int
	Status    ItemStatus
	NoPrep    bool // drinks, packaged goods: DONE as soon as fired
	Note      string
	FiredAt   *time.Time
}

func (it Item) LineTotal() ledger.Money { return it.UnitPrice.MulInt(it.Quantity) }

func (it Item) validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidOrder)
	}
	if it.Name == "" {
		return fmt.Errorf("%w: item %s has no name", ErrInvalidOrder, it.ID)
	}
	if it.Quantity < 1 {
		return fmt.Errorf("%w: item %s quantity must be at least 1", ErrInvalidOrder, it.ID)
	}
	if it.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: item %s has a negative price", ErrInvalidOrder, it.ID)
	}
	return nil
}

// =============================================================================
// ORDER
// =============================================================================

type Order struct {
	ID           string
	RestaurantID string
	Kind         Kind
	Fulfillment  FulfillmentStatus
	Payment      PaymentStatus

	// Items keep insertion order; the kitchen display relies on it.
	Items []Item

	// Totals snapshotted at fire time.
	Pricing       Pricing
	Subtotal      ledger.Money
	ServiceCharge ledger.Money
	DeliveryFee   ledger.Money
	Tax           ledger.Money
	Total         ledger.Money
	AmountPaid    ledger.Money

	AssignedRiderID string
	ShiftID         string
	ForcedReady     bool

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	ReadyAt   *time.Time
	ClosedAt  *time.Time

	// Version increments on every persisted change; stores reject a write
	// whose version does not follow the committed one.
	Version int
}

// New creates an ACTIVE, UNPAID order with DRAFT items.
func New(id, restaurantID string, kind Kind, items []Item, actor string, now time.Time) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	o := &Order{
		ID:           id,
		RestaurantID: restaurantID,
		Kind:         kind,
		Fulfillment:  Active,
		Payment:      Unpaid,
		CreatedBy:    actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.AddItems(items, now); err != nil {
		return nil, err
	}
	return o, nil
}

// Item returns a pointer to the item with the given id, or nil.
func (o *Order) Item(itemID string) *Item {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return &o.Items[i]
		}
	}
	return nil
}

// Fired reports whether fire has succeeded at least once.
func (o *Order) Fired() bool { return o.StartedAt != nil }

// Outstanding is what the customer still owes.
func (o *Order) Outstanding() ledger.Money {
	due := o.Total.Sub(o.AmountPaid)
	if due.IsNegative() {
		return ledger.Zero
	}
	return due
}

// Collected reports whether the money for the order is in. A rider
// order settled before it was READY has its cash in while the payment
// status still waits for the kitchen.
func (o *Order) Collected() bool {
	return o.Payment.Settled() || (o.AmountPaid.IsPositive() && o.Outstanding().IsZero())
}

// Clone returns a deep copy, so a caller can mutate without aliasing a
// store's copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]Item, len(o.Items))
	copy(c.Items, o.Items)
	for i := range c.Items {
		c.Items[i].FiredAt = cloneTime(o.Items[i].FiredAt)
	}
	c.StartedAt = cloneTime(o.StartedAt)
	c.ReadyAt = cloneTime(o.ReadyAt)
	c.ClosedAt = cloneTime(o.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// AUDIT
// =============================================================================

type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionAddItems    Action = "add_items"
	ActionFire        Action = "fire"
	ActionAdvanceItem Action = "advance_item"
	ActionForceItem   Action = "force_item"
	ActionForceReady  Action = "force_ready"
	ActionAutoReady   Action = "auto_ready"
	ActionPayment     Action = "payment"
	ActionDispatch    Action = "dispatch"
	ActionClose       Action = "close"
	ActionCancel      Action = "cancel"
	ActionVoid        Action = "void"
	ActionRefund      Action = "refund"
)

// AuditEntry records one transition. Forced overrides are flagged so they
// are never mistaken for normal kitchen progress.
type AuditEntry struct {
	OrderID string
	ItemID  string
	Action  Action
	From    string
	To      string
	ActorID string
	Reason  string
	Forced  bool
	At      time.Time
}
