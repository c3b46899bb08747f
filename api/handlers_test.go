package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/engine/store"
)

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	eng := engine.New(store.NewMemory(), engine.Policy{}, log)
	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return at }

	h := NewHandler(eng, "rest-1", log)
	return &testServer{t: t, router: NewRouter(h, RouterOptions{Log: log})}
}

// do sends a request as cashier-1 of rest-1.
func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderStaffID, "cashier-1")
	req.Header.Set(HeaderStaffRole, "cashier")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// readyDelivery creates a delivery order worth 25.00 and runs it to READY.
func (s *testServer) readyDelivery(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/api/orders/"+id, `{
		"order_kind": "DELIVERY",
		"contact": {"name": "Ada", "phone": "555-0101"},
		"address": "1 Main St",
		"items": [{"id": "pizza", "name": "Margherita", "unit_price": "12.50", "quantity": 2}]
	}`)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(s.t, http.StatusOK, s.do(http.MethodPost, "/api/orders/"+id+"/fire", "").Code)
	for _, to := range []string{"PREPARING", "DONE"} {
		rec = s.do(http.MethodPost, "/api/orders/"+id+"/items/pizza/advance", `{"to": "`+to+`"}`)
		require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestIdentity(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing staff id is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("foreign restaurant is 403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.Header.Set(HeaderStaffID, "cashier-1")
		req.Header.Set(HeaderRestaurantID, "rest-2")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("health needs no identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// =============================================================================
// ORDERS
// =============================================================================

func TestOrderLifecycle_CounterSale(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a takeaway order
	rec := s.do(http.MethodPut, "/api/orders/t-1", `{
		"order_kind": "TAKEAWAY",
		"contact": {"name": "Grace"},
		"items": [
			{"id": "wrap", "name": "Falafel wrap", "unit_price": "7.50", "quantity": 1},
			{"id": "cola", "name": "Cola", "unit_price": "2.50", "quantity": 1, "no_prep": true}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "TAKEAWAY", created.Kind)
	assert.Equal(t, "ACTIVE", created.FulfillmentStatus)
	assert.Equal(t, "UNPAID", created.PaymentStatus)
	assert.Equal(t, "10.00", created.Total.String())

	// WHEN: the kitchen finishes the only prepared item
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/orders/t-1/fire", "").Code)
	s.do(http.MethodPost, "/api/orders/t-1/items/wrap/advance", `{"to": "PREPARING"}`)
	rec = s.do(http.MethodPost, "/api/orders/t-1/items/wrap/advance", `{"to": "DONE"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the order is READY
	assert.Equal(t, "READY", decodeBody[OrderDTO](t, rec).FulfillmentStatus)

	// AND: payment is applied once per payment_id
	payment := `{"payment_id": "p-1", "amount": "10.00"}`
	rec = s.do(http.MethodPost, "/api/orders/t-1/payments", payment)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "PAID", paid.PaymentStatus)

	rec = s.do(http.MethodPost, "/api/orders/t-1/payments", payment)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, paid.Version, decodeBody[OrderDTO](t, rec).Version, "replay changes nothing")

	// AND: the order closes
	rec = s.do(http.MethodPost, "/api/orders/t-1/close", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "CLOSED", closed.FulfillmentStatus)
	assert.NotEmpty(t, closed.ClosedAt)

	rec = s.do(http.MethodGet, "/api/orders/t-1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[[]AuditEntryDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/orders?status=CLOSED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]OrderDTO](t, rec), 1)
}

func TestOrders_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodPut, "/api/orders/t-1", `{
		"order_kind": "TAKEAWAY",
		"contact": {"name": "Grace"},
		"items": [{"id": "wrap", "name": "Wrap", "unit_price": "7.50", "quantity": 1}]
	}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown order", http.MethodGet, "/api/orders/nope", "", http.StatusNotFound},
		{"close before ready", http.MethodPost, "/api/orders/t-1/close", "", http.StatusConflict},
		{"malformed body", http.MethodPut, "/api/orders/t-2", `{"order_kind": `, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/orders/t-1/payments", `{"payment_id": "p-1", "tip": "1"}`, http.StatusBadRequest},
		{"invalid order", http.MethodPut, "/api/orders/t-2", `{"order_kind": "TAKEAWAY", "items": []}`, http.StatusBadRequest},
		{"invalid status filter", http.MethodGet, "/api/orders?status=COOKING", "", http.StatusBadRequest},
		{"invalid item target", http.MethodPost, "/api/orders/t-1/items/wrap/advance", `{"to": "EATEN"}`, http.StatusBadRequest},
		{"unknown item", http.MethodPost, "/api/orders/t-1/items/soup/advance", `{"to": "PENDING"}`, http.StatusNotFound},
		{"dispatch takeaway", http.MethodPost, "/api/orders/t-1/dispatch", `{"rider_id": "r-1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

// =============================================================================
// RIDERS
// =============================================================================

func TestRiderSettlement(t *testing.T) {
	s := newTestServer(t)
	s.readyDelivery("d-1")

	// GIVEN: the order goes out with a 10.00 float
	rec := s.do(http.MethodPost, "/api/orders/d-1/dispatch", `{"rider_id": "r-1", "opening_float": "10.00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dispatched := decodeBody[DispatchDTO](t, rec)
	assert.Equal(t, "r-1", dispatched.Order.AssignedRiderID)
	assert.Equal(t, "OPEN", dispatched.Shift.Status)

	rec = s.do(http.MethodGet, "/api/riders/r-1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "35.00", decodeBody[RiderBalanceDTO](t, rec).Outstanding.String())

	// WHEN: the rider hands back the cash
	body := `{"settlement_id": "s-1", "amount_received": "35.00", "order_ids": ["d-1"]}`
	rec = s.do(http.MethodPost, "/api/riders/r-1/settlements", body)

	// THEN: 201 on the first application, 200 on the replay
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[engine.SettlementResult](t, rec)
	assert.True(t, first.Outstanding.IsZero())

	rec = s.do(http.MethodPost, "/api/riders/r-1/settlements", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// AND: the shift closes square
	rec = s.do(http.MethodPost, "/api/riders/r-1/shift/close", `{"closing_cash_received": "0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	shift := decodeBody[ShiftDTO](t, rec)
	assert.Equal(t, "CLOSED", shift.Status)
	require.NotNil(t, shift.CashDifference)
	assert.True(t, shift.CashDifference.IsZero())

	rec = s.do(http.MethodGet, "/api/riders/r-1/shifts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ShiftDTO](t, rec), 1)

	// AND: a second close finds no open shift
	rec = s.do(http.MethodPost, "/api/riders/r-1/shift/close", `{"closing_cash_received": "0"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// CASH DRAWER
// =============================================================================

func TestCashDrawer(t *testing.T) {
	s := newTestServer(t)

	payout := `{"payout_id": "po-1", "supplier_id": "bakery", "amount": "4.00", "reason": "bread"}`
	assert.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/payouts", payout).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/payouts", payout).Code)

	t.Run("z-report rejects a bad count", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/reports/z?actual=lots", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("z-report preview", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/reports/z?actual=96.00", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var z map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &z))
		assert.Equal(t, "2026-03-14", z["business_day"])
	})

	t.Run("ledger entries by account", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/ledger/entries?account=supplier:bakery", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		entries := decodeBody[[]EntryDTO](t, rec)
		require.Len(t, entries, 1)
		assert.Equal(t, "DEBIT", entries[0].Direction)
		assert.Equal(t, "PAYOUT:po-1", entries[0].Reference)
	})

	t.Run("ledger entries reject a bad filter", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/ledger/entries?account=nonsense", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown day report", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/reports/days/2020-01-01", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
