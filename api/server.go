/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from POS and kitchen screens
  5. Identity:   Caller identity from the auth gateway (under /api)

CALLER IDENTITY:
  Authentication happens upstream. The gateway forwards the identity as
  headers:
    X-Staff-ID       required on every /api call
    X-Staff-Role     informational, copied to the audit trail actor
    X-Restaurant-ID  must match the restaurant this server runs for
  A missing staff id is 401; a foreign restaurant is 403.

ROUTE GROUPS:
  /api/orders/*     Order lifecycle, kitchen progress, counter payment, dispatch
  /api/riders/*     Rider balance, shifts, settlement, shift close
  /api/payouts      Cash drawer payouts
  /api/reports/*    Z-report preview and closed-day reports
  /api/day/close    Business day close
  /api/ledger/*     Raw ledger entries
  /health           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/engine"
)

const (
	HeaderStaffID      = "X-Staff-ID"
	HeaderStaffRole    = "X-Staff-Role"
	HeaderRestaurantID = "X-Restaurant-ID"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if opts.Log != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: opts.Log, NoColor: true}))
	}
	r.Use(middleware.Recoverer)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderStaffID, HeaderStaffRole, HeaderRestaurantID},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.identity)

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Put("/{id}", h.PutOrder)
			r.Get("/{id}", h.GetOrder)
			r.Get("/{id}/audit", h.GetOrderAudit)
			r.Post("/{id}/fire", h.FireOrder)
			r.Post("/{id}/items/{itemID}/advance", h.AdvanceItem)
			r.Post("/{id}/force-ready", h.ForceReady)
			r.Post("/{id}/close", h.CloseOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
			r.Post("/{id}/void", h.VoidOrder)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/dispatch", h.DispatchRider)
		})

		// Rider routes
		r.Route("/riders/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetRiderBalance)
			r.Get("/shifts", h.ListShifts)
			r.Post("/settlements", h.Settle)
			r.Post("/shift/close", h.CloseShift)
		})

		// Cash drawer routes
		r.Post("/payouts", h.RecordPayout)
		r.Get("/reports/z", h.GetZReport)
		r.Get("/reports/days/{id}", h.GetDayReport)
		r.Post("/day/close", h.CloseDay)
		r.Get("/ledger/entries", h.ListEntries)
	})

	return r
}

// =============================================================================
// CALLER IDENTITY
// =============================================================================

type actorKey struct{}

// identity turns the gateway headers into an engine.Actor on the context.
func (h *Handler) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		staff := r.Header.Get(HeaderStaffID)
		if staff == "" {
			writeError(w, http.StatusUnauthorized, "Missing caller identity", nil)
			return
		}
		restaurant := r.Header.Get(HeaderRestaurantID)
		switch {
		case restaurant == "":
			restaurant = h.RestaurantID
		case h.RestaurantID != "" && restaurant != h.RestaurantID:
			writeError(w, http.StatusForbidden, "Restaurant not served by this instance", nil)
			return
		}
		actor := engine.Actor{
			StaffID:      staff,
			Role:         r.Header.Get(HeaderStaffRole),
			RestaurantID: restaurant,
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) engine.Actor {
	a, _ := ctx.Value(actorKey{}).(engine.Actor)
	return a
}
