package order

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a status change is not in the
	// legal predecessor set of the target status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrEmptyOrder is returned when firing an order with no items.
	ErrEmptyOrder = errors.New("order has no items")

	// ErrInvalidOrder is returned for malformed order or item input.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrItemNotFound is returned when an item id does not belong to the order.
	ErrItemNotFound = errors.New("item not found")

	// ErrReasonRequired is returned when an override is attempted without a reason.
	ErrReasonRequired = errors.New("override requires a reason")
)

// Axis names which status dimension a TransitionError concerns.
type Axis string

const (
	AxisFulfillment Axis = "fulfillment"
	AxisPayment     Axis = "payment"
	AxisItem        Axis = "item"
)

// TransitionError reports a rejected transition with enough detail for the
// caller to correct its request: which axis, the current status, the
// requested one.
type TransitionError struct {
	OrderID string
	ItemID  string
	Axis    Axis
	From    string
	To      string
	Detail  string
}

func (e *TransitionError) Error() string {
	subject := "order " + e.OrderID
	if e.ItemID != "" {
		subject += " item " + e.ItemID
	}
	msg := fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Axis, subject, e.From, e.To)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
