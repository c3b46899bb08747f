/*
errors.go - Engine error taxonomy

CATEGORIES:
  1. Validation: ErrInvalidAmount, ErrNotAssigned, ErrShiftHasUnpaidOrders,
     ErrRiderAtCapacity, plus order.ErrInvalidTransition and friends.
     Rejected synchronously, nothing written.
  2. Conflict: ErrConcurrentModification. Retryable.
  3. Idempotency: ErrAlreadyApplied. Raised by the store when a keyed
     write was already committed; the engine turns it into a no-op result.
  4. Integrity: ledger.ErrIntegrity. Fatal, logged at the highest severity,
     the enclosing transaction is aborted.

The api package maps these to HTTP statuses through the Is* helpers.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for missing identifiers and similar input faults.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidAmount is returned for a non-positive or otherwise unusable amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNotAssigned is returned when settling an order the rider was never given.
	ErrNotAssigned = errors.New("order not assigned to rider")

	// ErrShiftHasUnpaidOrders blocks CloseShift.
	ErrShiftHasUnpaidOrders = errors.New("shift has unpaid orders")

	// ErrNoOpenShift is returned by CloseShift when the rider has no OPEN shift.
	ErrNoOpenShift = errors.New("rider has no open shift")

	// ErrRiderAtCapacity is returned when a rider's open shift already holds
	// the configured number of uncollected orders.
	ErrRiderAtCapacity = errors.New("rider at capacity")

	// ErrConcurrentModification is returned when a write is based on a stale version.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyApplied is returned by the store for a reused idempotency key.
	ErrAlreadyApplied = errors.New("already applied")

	// ErrDayClosed is returned when writing into a closed business day.
	ErrDayClosed = errors.New("business day is closed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AmountError names the offending field.
type AmountError struct {
	Field  string
	Amount ledger.Money
	Detail string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount for %s: %s (%s)", e.Field, e.Amount, e.Detail)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

type NotAssignedError struct {
	RiderID    string
	OrderID    string
	AssignedTo string // empty when the order was never dispatched
}

func (e *NotAssignedError) Error() string {
	if e.AssignedTo == "" {
		return fmt.Sprintf("order %s was never dispatched, cannot settle for rider %s", e.OrderID, e.RiderID)
	}
	return fmt.Sprintf("order %s is assigned to rider %s, not %s", e.OrderID, e.AssignedTo, e.RiderID)
}

func (e *NotAssignedError) Unwrap() error { return ErrNotAssigned }

type UnpaidOrdersError struct {
	ShiftID  string
	OrderIDs []string
}

func (e *UnpaidOrdersError) Error() string {
	return fmt.Sprintf("shift %s has unpaid orders: %s", e.ShiftID, strings.Join(e.OrderIDs, ", "))
}

func (e *UnpaidOrdersError) Unwrap() error { return ErrShiftHasUnpaidOrders }

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input or
// a transition that the current state does not allow.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotAssigned) ||
		errors.Is(err, ErrShiftHasUnpaidOrders) ||
		errors.Is(err, ErrNoOpenShift) ||
		errors.Is(err, ErrRiderAtCapacity) ||
		errors.Is(err, ErrDayClosed) ||
		errors.Is(err, order.ErrInvalidTransition) ||
		errors.Is(err, order.ErrEmptyOrder) ||
		errors.Is(err, order.ErrInvalidOrder) ||
		errors.Is(err, order.ErrReasonRequired) ||
		errors.Is(err, order.ErrNotDelivery) ||
		errors.Is(err, ledger.ErrInvalidPosting)
}

// IsConflict returns true for errors caused by the current state rather than
// malformed input. The HTTP layer reports these as 409.
func IsConflict(err error) bool {
	return errors.Is(err, order.ErrInvalidTransition) ||
		errors.Is(err, ErrShiftHasUnpaidOrders) ||
		errors.Is(err, ErrNoOpenShift) ||
		errors.Is(err, ErrRiderAtCapacity) ||
		errors.Is(err, ErrDayClosed) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, order.ErrItemNotFound)
}
