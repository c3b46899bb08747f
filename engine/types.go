package engine

import (
	"encoding/json"
	"time"

	"github.com/warp/order-ledger/ledger"
)

// Actor is the authenticated caller attached to every operation.
type Actor struct {
	StaffID      string
	Role         string
	RestaurantID string
}

// =============================================================================
// RIDER SHIFT
// =============================================================================

type ShiftStatus string

const (
	ShiftOpen   ShiftStatus = "OPEN"
	ShiftClosed ShiftStatus = "CLOSED"
)

// RiderShift bounds a rider's period of cash custody. OpeningBalance is the
// rider's outstanding balance when the shift opened: a shortage from an
// earlier shift shows up here, it is never reset.
type RiderShift struct {
	ID             string
	RiderID        string
	Status         ShiftStatus
	OpeningFloat   ledger.Money
	OpeningBalance ledger.Money

	// Set by CloseShift.
	ExpectedCash        ledger.Money
	ClosingCashReceived ledger.Money
	CashDifference      ledger.Money

	OpenedBy string
	OpenedAt time.Time
	ClosedBy string
	ClosedAt *time.Time
}

// =============================================================================
// BUSINESS DAY
// =============================================================================

type DayStatus string

const (
	DayOpen   DayStatus = "OPEN"
	DayClosed DayStatus = "CLOSED"
)

// BusinessDay is one trading day of the cash drawer. Ledger entries are
// stamped with the day they were posted in; a CLOSED day is history.
type BusinessDay struct {
	ID          string
	Status      DayStatus
	OpeningCash ledger.Money
	OpenedAt    time.Time

	// Set by CloseBusinessDay.
	ExpectedCash ledger.Money
	ActualCash   ledger.Money
	Variance     ledger.Money
	Carried      []RiderBalance
	ClosedBy     string
	ClosedAt     *time.Time
}

// RiderBalance is a rider's outstanding balance at a point in time.
type RiderBalance struct {
	RiderID string       `json:"rider_id"`
	Balance ledger.Money `json:"balance"`
}

// =============================================================================
// OPERATIONS - idempotency records
// =============================================================================

// Operation records a committed caller-keyed write (payment, settlement,
// payout) and its result, so a retry returns the prior result.
type Operation struct {
	Key       string
	Kind      string
	Result    json.RawMessage
	ActorID   string
	CreatedAt time.Time
}

const (
	opPayment    = "payment"
	opSettlement = "settlement"
	opPayout     = "payout"
)

func operationKey(kind, id string) string { return kind + ":" + id }
