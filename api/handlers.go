/*
handlers.go - HTTP API handlers

PURPOSE:
  Exposes the engine via REST. Handlers parse the request, call exactly one
  engine operation with the caller's identity, and serialize the result.
  No business rule lives here.

ENDPOINTS:
  Orders:
    GET    /api/orders                              List (status, rider_id, shift_id)
    PUT    /api/orders/{id}                         Create or update (idempotent on id)
    GET    /api/orders/{id}                         Get one
    GET    /api/orders/{id}/audit                   Transition log
    POST   /api/orders/{id}/fire                    Send DRAFT items to the kitchen
    POST   /api/orders/{id}/items/{itemID}/advance  Kitchen progress, or forced with reason
    POST   /api/orders/{id}/force-ready             Manager override
    POST   /api/orders/{id}/close                   Hand over a paid order
    POST   /api/orders/{id}/cancel                  Cancel (refunds money taken)
    POST   /api/orders/{id}/void                    Void (refunds money taken)
    POST   /api/orders/{id}/payments                Counter cash payment
    POST   /api/orders/{id}/dispatch                Assign a rider

  Riders:
    GET    /api/riders/{id}/balance                 Outstanding balance and open shift
    GET    /api/riders/{id}/shifts                  Shift history
    POST   /api/riders/{id}/settlements             Cash handed back
    POST   /api/riders/{id}/shift/close             Reconcile and close the shift

  Cash drawer:
    POST   /api/payouts                             Supplier / expense payout
    GET    /api/reports/z                           Live Z-report (?actual=)
    GET    /api/reports/days/{id}                   Report of any business day
    POST   /api/day/close                           Close the business day
    GET    /api/ledger/entries                      Entries (account, account_kind, reference, business_day)

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by the engine's
  error helpers:
  - 400: Validation errors, invalid input
  - 401: Missing caller identity
  - 403: Caller belongs to another restaurant
  - 404: Resource not found
  - 409: Transition not allowed in the current state, concurrent write
  - 503: Timed out, safe to retry
  - 500: Internal errors, ledger integrity breach

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine

	// RestaurantID is the restaurant this instance serves. Empty accepts
	// whatever the gateway sends.
	RestaurantID string

	log logrus.FieldLogger
}

func NewHandler(eng *engine.Engine, restaurantID string, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine:       eng,
		RestaurantID: restaurantID,
		log:          log.WithField("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns the restaurant's orders.
// GET /api/orders?status=READY&rider_id=r1&shift_id=s1
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.OrderFilter{
		Fulfillment: order.FulfillmentStatus(q.Get("status")),
		RiderID:     q.Get("rider_id"),
		ShiftID:     q.Get("shift_id"),
	}
	if filter.Fulfillment != "" && !filter.Fulfillment.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}

	orders, err := h.Engine.ListOrders(r.Context(), filter, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PutOrder creates the order or merges new items into it.
// PUT /api/orders/{id}
func (h *Handler) PutOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.CreateOrUpdateOrder(r.Context(), req.input(chi.URLParam(r, "id")), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to save order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.GetOrder(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// GET /api/orders/{id}/audit
func (h *Handler) GetOrderAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.OrderAudit(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get order audit", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{
			ItemID:  e.ItemID,
			Action:  string(e.Action),
			From:    e.From,
			To:      e.To,
			ActorID: e.ActorID,
			Reason:  e.Reason,
			Forced:  e.Forced,
			At:      formatTime(e.At),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/orders/{id}/fire
func (h *Handler) FireOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.FireOrder(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to fire order", o, err)
}

// AdvanceItem moves one item forward. With force set the item may jump
// straight to the target and the reason is mandatory.
// POST /api/orders/{id}/items/{itemID}/advance
func (h *Handler) AdvanceItem(w http.ResponseWriter, r *http.Request) {
	var req AdvanceItemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to := order.ItemStatus(req.To)
	if !to.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid target item status", nil)
		return
	}

	ctx, actor := r.Context(), actorFrom(r.Context())
	orderID, itemID := chi.URLParam(r, "id"), chi.URLParam(r, "itemID")
	var (
		o   *order.Order
		err error
	)
	if req.Force {
		o, err = h.Engine.ForceItem(ctx, orderID, itemID, to, req.Reason, actor)
	} else {
		o, err = h.Engine.AdvanceItem(ctx, orderID, itemID, to, actor)
	}
	h.respondOrder(w, r, "Failed to advance item", o, err)
}

// POST /api/orders/{id}/force-ready
func (h *Handler) ForceReady(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.ForceReady(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to force order ready", o, err)
}

// POST /api/orders/{id}/close
func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.CloseOrder(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to close order", o, err)
}

// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to cancel order", o, err)
}

// POST /api/orders/{id}/void
func (h *Handler) VoidOrder(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.VoidOrder(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to void order", o, err)
}

// RecordPayment takes counter cash. A replayed payment_id returns the
// current order unchanged.
// POST /api/orders/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Engine.RecordPayment(r.Context(), engine.PaymentInput{
		PaymentID: req.PaymentID,
		OrderID:   chi.URLParam(r, "id"),
		Amount:    req.Amount,
	}, actorFrom(r.Context()))
	h.respondOrder(w, r, "Failed to record payment", o, err)
}

// POST /api/orders/{id}/dispatch
func (h *Handler) DispatchRider(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.DispatchRider(r.Context(), engine.DispatchInput{
		OrderID:      chi.URLParam(r, "id"),
		RiderID:      req.RiderID,
		OpeningFloat: req.OpeningFloat,
	}, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to dispatch rider", err)
		return
	}
	writeJSON(w, http.StatusOK, DispatchDTO{Order: toOrderDTO(res.Order), Shift: toShiftDTO(res.Shift)})
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, message string, o *order.Order, err error) {
	if err != nil {
		h.fail(w, r, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// RIDER HANDLERS
// =============================================================================

// GET /api/riders/{id}/balance
func (h *Handler) GetRiderBalance(w http.ResponseWriter, r *http.Request) {
	debt, err := h.Engine.Debt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get rider balance", err)
		return
	}
	dto := RiderBalanceDTO{RiderID: debt.RiderID, Outstanding: debt.Outstanding, InShift: debt.InShift}
	if debt.Shift != nil {
		s := toShiftDTO(*debt.Shift)
		dto.Shift = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

// GET /api/riders/{id}/shifts
func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := h.Engine.Shifts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list shifts", err)
		return
	}
	dtos := make([]ShiftDTO, 0, len(shifts))
	for _, s := range shifts {
		dtos = append(dtos, toShiftDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Settle records cash handed back. 201 on first application, 200 when the
// settlement_id was already applied.
// POST /api/riders/{id}/settlements
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.Settle(r.Context(), engine.SettleInput{
		SettlementID:   req.SettlementID,
		RiderID:        chi.URLParam(r, "id"),
		AmountReceived: req.AmountReceived,
		OrderIDs:       req.OrderIDs,
		RecordedZero:   req.RecordedZero,
	}, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to settle", err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), res)
}

// POST /api/riders/{id}/shift/close
func (h *Handler) CloseShift(w http.ResponseWriter, r *http.Request) {
	var req CloseShiftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	shift, err := h.Engine.CloseShift(r.Context(), engine.CloseShiftInput{
		RiderID:             chi.URLParam(r, "id"),
		ClosingCashReceived: req.ClosingCashReceived,
	}, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to close shift", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(*shift))
}

// =============================================================================
// CASH DRAWER HANDLERS
// =============================================================================

// POST /api/payouts
func (h *Handler) RecordPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.RecordPayout(r.Context(), engine.PayoutInput{
		PayoutID:   req.PayoutID,
		SupplierID: req.SupplierID,
		Amount:     req.Amount,
		Reason:     req.Reason,
	}, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to record payout", err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), res)
}

// GetZReport previews the open day. ?actual=812.50 adds the variance
// against a physical count without closing anything.
// GET /api/reports/z
func (h *Handler) GetZReport(w http.ResponseWriter, r *http.Request) {
	var actual *ledger.Money
	if s := r.URL.Query().Get("actual"); s != "" {
		m, err := ledger.ParseMoney(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid actual cash count", err)
			return
		}
		actual = &m
	}
	z, err := h.Engine.ZReport(r.Context(), actual)
	if err != nil {
		h.fail(w, r, "Failed to build Z-report", err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// GET /api/reports/days/{id}
func (h *Handler) GetDayReport(w http.ResponseWriter, r *http.Request) {
	z, err := h.Engine.DayReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to build day report", err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// POST /api/day/close
func (h *Handler) CloseDay(w http.ResponseWriter, r *http.Request) {
	var req CloseDayRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	z, err := h.Engine.CloseBusinessDay(r.Context(), req.BusinessDay, req.ActualCashCount, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to close business day", err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// ListEntries returns raw ledger entries.
// GET /api/ledger/entries?account=rider:r1&reference=ORDER:o1&business_day=2026-10-15
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter engine.EntryFilter
	if s := q.Get("account"); s != "" {
		a, err := ledger.ParseAccount(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid account filter", err)
			return
		}
		filter.Account = &a
	}
	if s := q.Get("reference"); s != "" {
		ref, err := ledger.ParseReference(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid reference filter", err)
			return
		}
		filter.Reference = &ref
	}
	filter.AccountKind = ledger.AccountKind(q.Get("account_kind"))
	filter.BusinessDay = q.Get("business_day")

	entries, err := h.Engine.Entries(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body. An empty body leaves v at its zero value.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// fail maps an engine error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsConflict(err):
		status = http.StatusConflict
	case engine.IsClientError(err):
		status = http.StatusBadRequest
	case engine.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
