/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. Domain types stay free of json tags;
  every conversion happens here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts travel as decimal strings ("12.50"), never floats.

TIMES:
  RFC3339, UTC.
*/
package api

import (
	"time"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// ORDERS
// =============================================================================

type ContactDTO struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type ItemRequest struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	UnitPrice ledger.Money `json:"unit_price"`
	Quantity  int          `json:"quantity"`
	NoPrep    bool         `json:"no_prep,omitempty"`
	Note      string       `json:"note,omitempty"`
}

// OrderRequest is the body of PUT /api/orders/{id}.
type OrderRequest struct {
	Kind     string        `json:"order_kind"`
	TableRef string        `json:"table_ref,omitempty"`
	Contact  ContactDTO    `json:"contact"`
	Address  string        `json:"address,omitempty"`
	Items    []ItemRequest `json:"items"`
}

func (r OrderRequest) input(id string) engine.OrderInput {
	in := engine.OrderInput{
		ID: id,
		Kind: order.Kind{
			Type:     order.KindType(r.Kind),
			TableRef: r.TableRef,
			Contact:  order.Contact{Name: r.Contact.Name, Phone: r.Contact.Phone},
			Address:  r.Address,
		},
	}
	for _, it := range r.Items {
		in.Items = append(in.Items, order.Item{
			ID:        it.ID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			NoPrep:    it.NoPrep,
			Note:      it.Note,
		})
	}
	return in
}

type ItemDTO struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	UnitPrice ledger.Money `json:"unit_price"`
	Quantity  int          `json:"quantity"`
	LineTotal ledger.Money `json:"line_total"`
	Status    string       `json:"status"`
	NoPrep    bool         `json:"no_prep,omitempty"`
	Note      string       `json:"note,omitempty"`
	FiredAt   string       `json:"fired_at,omitempty"`
}

type OrderDTO struct {
	ID                string       `json:"id"`
	RestaurantID      string       `json:"restaurant_id,omitempty"`
	Kind              string       `json:"order_kind"`
	TableRef          string       `json:"table_ref,omitempty"`
	Contact           *ContactDTO  `json:"contact,omitempty"`
	Address           string       `json:"address,omitempty"`
	FulfillmentStatus string       `json:"fulfillment_status"`
	PaymentStatus     string       `json:"payment_status"`
	Items             []ItemDTO    `json:"items"`
	Subtotal          ledger.Money `json:"subtotal"`
	ServiceCharge     ledger.Money `json:"service_charge"`
	DeliveryFee       ledger.Money `json:"delivery_fee"`
	Tax               ledger.Money `json:"tax"`
	Total             ledger.Money `json:"total"`
	AmountPaid        ledger.Money `json:"amount_paid"`
	Outstanding       ledger.Money `json:"outstanding"`
	AssignedRiderID   string       `json:"assigned_rider_id,omitempty"`
	ShiftID           string       `json:"shift_id,omitempty"`
	ForcedReady       bool         `json:"forced_ready,omitempty"`
	CreatedAt         string       `json:"created_at"`
	UpdatedAt         string       `json:"updated_at"`
	StartedAt         string       `json:"started_at,omitempty"`
	ReadyAt           string       `json:"ready_at,omitempty"`
	ClosedAt          string       `json:"closed_at,omitempty"`
	Version           int          `json:"version"`
}

func toOrderDTO(o *order.Order) OrderDTO {
	dto := OrderDTO{
		ID:                o.ID,
		RestaurantID:      o.RestaurantID,
		Kind:              string(o.Kind.Type),
		TableRef:          o.Kind.TableRef,
		Address:           o.Kind.Address,
		FulfillmentStatus: string(o.Fulfillment),
		PaymentStatus:     string(o.Payment),
		Items:             make([]ItemDTO, 0, len(o.Items)),
		Subtotal:          o.Subtotal,
		ServiceCharge:     o.ServiceCharge,
		DeliveryFee:       o.DeliveryFee,
		Tax:               o.Tax,
		Total:             o.Total,
		AmountPaid:        o.AmountPaid,
		Outstanding:       o.Outstanding(),
		AssignedRiderID:   o.AssignedRiderID,
		ShiftID:           o.ShiftID,
		ForcedReady:       o.ForcedReady,
		CreatedAt:         formatTime(o.CreatedAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
		StartedAt:         formatTimePtr(o.StartedAt),
		ReadyAt:           formatTimePtr(o.ReadyAt),
		ClosedAt:          formatTimePtr(o.ClosedAt),
		Version:           o.Version,
	}
	if c := o.Kind.Contact; c.Name != "" || c.Phone != "" {
		dto.Contact = &ContactDTO{Name: c.Name, Phone: c.Phone}
	}
	for _, it := range o.Items {
		dto.Items = append(dto.Items, ItemDTO{
			ID:        it.ID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal(),
			Status:    string(it.Status),
			NoPrep:    it.NoPrep,
			Note:      it.Note,
			FiredAt:   formatTimePtr(it.FiredAt),
		})
	}
	return dto
}

type AuditEntryDTO struct {
	ItemID  string `json:"item_id,omitempty"`
	Action  string `json:"action"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	At      string `json:"at"`
}

// AdvanceItemRequest moves one item. Force skips intermediate states and
// requires a reason.
type AdvanceItemRequest struct {
	To     string `json:"to"`
	Force  bool   `json:"force,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReasonRequest is the body of force-ready, cancel and void.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

type PaymentRequest struct {
	PaymentID string       `json:"payment_id"`
	Amount    ledger.Money `json:"amount"`
}

// =============================================================================
// RIDERS
// =============================================================================

type DispatchRequest struct {
	RiderID      string        `json:"rider_id"`
	OpeningFloat *ledger.Money `json:"opening_float,omitempty"`
}

type DispatchDTO struct {
	Order OrderDTO `json:"order"`
	Shift ShiftDTO `json:"shift"`
}

type ShiftDTO struct {
	ID                  string        `json:"id"`
	RiderID             string        `json:"rider_id"`
	Status              string        `json:"status"`
	OpeningFloat        ledger.Money  `json:"opening_float"`
	OpeningBalance      ledger.Money  `json:"opening_balance"`
	ExpectedCash        *ledger.Money `json:"expected_cash,omitempty"`
	ClosingCashReceived *ledger.Money `json:"closing_cash_received,omitempty"`
	CashDifference      *ledger.Money `json:"cash_difference,omitempty"`
	OpenedBy            string        `json:"opened_by"`
	OpenedAt            string        `json:"opened_at"`
	ClosedBy            string        `json:"closed_by,omitempty"`
	ClosedAt            string        `json:"closed_at,omitempty"`
}

func toShiftDTO(s engine.RiderShift) ShiftDTO {
	dto := ShiftDTO{
		ID:             s.ID,
		RiderID:        s.RiderID,
		Status:         string(s.Status),
		OpeningFloat:   s.OpeningFloat,
		OpeningBalance: s.OpeningBalance,
		OpenedBy:       s.OpenedBy,
		OpenedAt:       formatTime(s.OpenedAt),
		ClosedBy:       s.ClosedBy,
		ClosedAt:       formatTimePtr(s.ClosedAt),
	}
	if s.Status == engine.ShiftClosed {
		expected, received, diff := s.ExpectedCash, s.ClosingCashReceived, s.CashDifference
		dto.ExpectedCash, dto.ClosingCashReceived, dto.CashDifference = &expected, &received, &diff
	}
	return dto
}

type RiderBalanceDTO struct {
	RiderID     string       `json:"rider_id"`
	Outstanding ledger.Money `json:"outstanding"`
	InShift     ledger.Money `json:"in_shift"`
	Shift       *ShiftDTO    `json:"shift,omitempty"`
}

type SettlementRequest struct {
	SettlementID   string       `json:"settlement_id"`
	AmountReceived ledger.Money `json:"amount_received"`
	OrderIDs       []string     `json:"order_ids"`
	RecordedZero   bool         `json:"recorded_zero,omitempty"`
}

type CloseShiftRequest struct {
	ClosingCashReceived ledger.Money `json:"closing_cash_received"`
}

// =============================================================================
// CASH DRAWER
// =============================================================================

type PayoutRequest struct {
	PayoutID   string       `json:"payout_id"`
	SupplierID string       `json:"supplier_id"`
	Amount     ledger.Money `json:"amount"`
	Reason     string       `json:"reason"`
}

type CloseDayRequest struct {
	BusinessDay     string       `json:"business_day"`
	ActualCashCount ledger.Money `json:"actual_cash_count"`
}

type EntryDTO struct {
	ID             int64        `json:"id"`
	PostingID      string       `json:"posting_id"`
	Account        string       `json:"account"`
	Direction      string       `json:"direction"`
	Amount         ledger.Money `json:"amount"`
	Reference      string       `json:"reference"`
	Purpose        string       `json:"purpose"`
	ReversalOf     string       `json:"reversal_of,omitempty"`
	ActorID        string       `json:"actor_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Memo           string       `json:"memo,omitempty"`
	BusinessDay    string       `json:"business_day"`
	CreatedAt      string       `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             e.ID,
		PostingID:      e.PostingID,
		Account:        e.Account.String(),
		Direction:      string(e.Direction),
		Amount:         e.Amount,
		Reference:      e.Reference.String(),
		Purpose:        string(e.Purpose),
		ReversalOf:     e.ReversalOf,
		ActorID:        e.ActorID,
		IdempotencyKey: e.IdempotencyKey,
		Memo:           e.Memo,
		BusinessDay:    e.BusinessDay,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
