/*
store.go - Persistence contract for orders, ledger, shifts and business days

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never mutates shared state outside Store.WithTx: every operation re-reads
  the rows it needs inside the transaction, applies one transition, and
  writes the result back before commit.

KEY INTERFACES:
  Reader: read paths, usable both on the Store and inside a Tx
  Tx:     writes; only reachable inside WithTx
  Store:  Reader + WithTx + the outbox side used by events.Relay

EXCLUSIVITY:
  WithTx runs fn under the store's write serialization (a mutex for the
  memory store, a single write connection for SQLite). SaveOrder is also
  version-checked, so a writer holding a stale Order gets
  ErrConcurrentModification instead of overwriting a newer state.

APPEND-ONLY LEDGER:
  AppendEntries is the ONLY ledger write. There is no update or delete.
  A posting idempotency key may be written once; a second write returns
  ErrAlreadyApplied, which is the deterministic "already applied" signal a
  retrying caller relies on.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, snapshot rollback
  - store/sqlite/sqlite.go: durable

SEE ALSO:
  - engine.go: the services built on this contract
*/
package engine

import (
	"context"

	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	RestaurantID string
	Fulfillment  order.FulfillmentStatus
	RiderID      string
	ShiftID      string
}

// EntryFilter narrows Entries. Zero fields match everything; results are
// always in entry ID order.
type EntryFilter struct {
	Account     *ledger.Account
	AccountKind ledger.AccountKind
	Reference   *ledger.Reference
	BusinessDay string
}

// Reader is the read side of the store.
type Reader interface {
	// GetOrder returns ErrNotFound when the order does not exist.
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*order.Order, error)
	OrderAudit(ctx context.Context, orderID string) ([]order.AuditEntry, error)

	Entries(ctx context.Context, filter EntryFilter) ([]ledger.Entry, error)

	// OpenShift returns nil, nil when the rider has no OPEN shift.
	OpenShift(ctx context.Context, riderID string) (*RiderShift, error)
	Shifts(ctx context.Context, riderID string) ([]RiderShift, error)

	// CurrentDay returns nil, nil before the first day is opened.
	CurrentDay(ctx context.Context) (*BusinessDay, error)
	GetDay(ctx context.Context, id string) (*BusinessDay, error)

	// Operation returns nil, nil when the key has not been recorded.
	Operation(ctx context.Context, key string) (*Operation, error)
}

// Tx is the write side, valid only inside WithTx.
type Tx interface {
	Reader

	// SaveOrder inserts (Version 1) or updates an order and its items. The
	// committed version must be o.Version-1.
	SaveOrder(ctx context.Context, o *order.Order) error
	AppendAudit(ctx context.Context, entries []order.AuditEntry) error

	// AppendEntries assigns entry IDs and writes the entries. It fails with
	// ErrAlreadyApplied on a reused idempotency key and ErrDayClosed when an
	// entry is stamped with a closed business day.
	AppendEntries(ctx context.Context, entries []ledger.Entry) error

	SaveShift(ctx context.Context, s RiderShift) error
	SaveDay(ctx context.Context, d BusinessDay) error
	SaveOperation(ctx context.Context, op Operation) error

	// Enqueue writes an event to the outbox. It is delivered only if the
	// transaction commits.
	Enqueue(ctx context.Context, e events.Event) error
}

// Store is the full persistence contract.
type Store interface {
	Reader
	events.Outbox

	// WithTx runs fn in a transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
