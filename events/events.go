/*
Package events defines the outbound notifications produced by the order
ledger and the machinery that delivers them.

PURPOSE:
  Front ends (POS, kitchen display, dispatcher console, rider app) keep a
  read projection of orders and rider balances. They learn about changes
  from these events; they never write back through them.

DELIVERY MODEL:
  The engine writes events into the store's outbox in the SAME transaction
  as the state change, so an event exists if and only if the change
  committed. The Relay publishes pending outbox rows and marks them
  delivered. Delivery is at-least-once: consumers dedupe on Event.ID.

SEE ALSO:
  - relay.go: outbox publisher loop
  - amqp.go: RabbitMQ publisher
*/
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/warp/order-ledger/ledger"
)

type Type string

const (
	TypeOrderStatusChanged  Type = "order.status_changed"
	TypeRiderBalanceChanged Type = "rider.balance_changed"
	TypeShiftClosed         Type = "rider.shift_closed"
)

// Event is one outbox row. Seq is assigned by the store and orders delivery.
type Event struct {
	Seq       int64
	ID        string
	Type      Type
	Key       string // order id or rider id
	Payload   json.RawMessage
	CreatedAt time.Time
}

// RoutingKey is "<type>.<key>", e.g. "order.status_changed.o-42".
func (e Event) RoutingKey() string { return string(e.Type) + "." + e.Key }

type OrderStatusChanged struct {
	OrderID           string `json:"order_id"`
	FulfillmentStatus string `json:"fulfillment_status"`
	PaymentStatus     string `json:"payment_status"`
}

type RiderBalanceChanged struct {
	RiderID    string       `json:"rider_id"`
	NewBalance ledger.Money `json:"new_balance"`
}

type ShiftClosed struct {
	RiderID        string       `json:"rider_id"`
	ShiftID        string       `json:"shift_id"`
	CashDifference ledger.Money `json:"cash_difference"`
}

func NewOrderStatusChanged(p OrderStatusChanged, at time.Time) Event {
	return newEvent(TypeOrderStatusChanged, p.OrderID, p, at)
}

func NewRiderBalanceChanged(p RiderBalanceChanged, at time.Time) Event {
	return newEvent(TypeRiderBalanceChanged, p.RiderID, p, at)
}

func NewShiftClosed(p ShiftClosed, at time.Time) Event {
	return newEvent(TypeShiftClosed, p.RiderID, p, at)
}

func newEvent(t Type, key string, payload any, at time.Time) Event {
	// The payload types above contain only strings and Money, which always marshal.
	body, _ := json.Marshal(payload)
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Key:       key,
		Payload:   body,
		CreatedAt: at,
	}
}
