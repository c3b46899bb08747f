/*
Package engine runs the order state machine and the rider cash ledger
against a Store.

PURPOSE:
  Every mutating operation follows the same shape:
    1. open a store transaction (bounded by Policy.WriteTimeout)
    2. re-read the order / shift / day it needs, fresh
    3. apply one transition from the order package
    4. build the ledger Journal for the business event, if any
    5. persist order, audit, entries and outbox events
    6. commit, then notify external collaborators (table release)
  Nothing is written outside step 5, so a failed step leaves no trace.

COMPONENTS:
  orders.go:     OrderStateMachine service (create, fire, items, close, cancel, pay)
  dispatch.go:   DispatchService
  debt.go:       RiderDebtLedger (read-only)
  settlement.go: SettlementEngine (settle, close shift)
  report.go:     Z-report, business day close, payouts

LEDGER INTEGRITY:
  Journals are built from ledger.Posting values only. Before and after
  appending, the touched reference groups are re-verified; a breach is
  logged with severity=critical and the transaction is rolled back.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// Policy holds the configurable business rules.
type Policy struct {
	// DispatchBeforeReady lets a fired ACTIVE order go out with a rider.
	DispatchBeforeReady bool

	// AllowPartialPayment marks partly covered orders PARTIALLY_PAID.
	// Without it they stay UNPAID until the total is covered.
	AllowPartialPayment bool

	// RiderCapacity caps uncollected orders per open shift. 0 means no cap.
	RiderCapacity int

	// Pricing is snapshotted onto an order the first time it is fired.
	Pricing order.Pricing

	// OpeningCash seeds the first business day's drawer.
	OpeningCash ledger.Money

	// WriteTimeout bounds every write transaction. 0 means no bound.
	WriteTimeout time.Duration
}

type Engine struct {
	Store  Store
	Tables TableReleaser
	Policy Policy

	// Now is the clock. Tests replace it.
	Now func() time.Time

	log logrus.FieldLogger
}

func New(store Store, policy Policy, log logrus.FieldLogger) *Engine {
	return &Engine{
		Store:  store,
		Tables: &LogTableReleaser{Log: log},
		Policy: policy,
		Now:    func() time.Time { return time.Now().UTC() },
		log:    log.WithField("component", "engine"),
	}
}

// =============================================================================
// TRANSACTION HELPERS
// =============================================================================

// write runs fn in a store transaction bounded by the write timeout.
func (e *Engine) write(ctx context.Context, op string, fields logrus.Fields, fn func(Tx) error) error {
	if e.Policy.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Policy.WriteTimeout)
		defer cancel()
	}

	log := e.log.WithFields(fields).WithField("op", op)
	log.Debug("write started")

	err := e.Store.WithTx(ctx, fn)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrIntegrity):
		log.WithError(err).WithField("severity", "critical").Error("ledger integrity breach, transaction aborted")
	case IsClientError(err) || IsNotFound(err):
		log.WithError(err).Debug("write rejected")
	default:
		log.WithError(err).Warn("write failed")
	}
	return err
}

// loadOrder reads the order inside tx and hides orders of other restaurants.
func loadOrder(ctx context.Context, r Reader, id string, actor Actor) (*order.Order, error) {
	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.RestaurantID != "" && o.RestaurantID != actor.RestaurantID {
		return nil, notFound("order", id)
	}
	return o, nil
}

// saveOrder bumps the version, persists the order and its audit, and
// enqueues OrderStatusChanged when either status axis moved.
func (e *Engine) saveOrder(ctx context.Context, tx Tx, o *order.Order, before statusPair, audit []order.AuditEntry, now time.Time) error {
	o.Version++
	if err := tx.SaveOrder(ctx, o); err != nil {
		return err
	}
	if len(audit) > 0 {
		if err := tx.AppendAudit(ctx, audit); err != nil {
			return err
		}
	}
	after := statusOf(o)
	if after == before {
		return nil
	}
	e.log.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"fulfillment": fmt.Sprintf("%s->%s", before.fulfillment, after.fulfillment),
		"payment":     fmt.Sprintf("%s->%s", before.payment, after.payment),
	}).Info("order status changed")
	return tx.Enqueue(ctx, events.NewOrderStatusChanged(events.OrderStatusChanged{
		OrderID:           o.ID,
		FulfillmentStatus: string(o.Fulfillment),
		PaymentStatus:     string(o.Payment),
	}, now))
}

type statusPair struct {
	fulfillment order.FulfillmentStatus
	payment     order.PaymentStatus
}

// statusOf returns the zero pair for a nil order, so a newly created order
// always emits its first status event.
func statusOf(o *order.Order) statusPair {
	if o == nil {
		return statusPair{}
	}
	return statusPair{fulfillment: o.Fulfillment, payment: o.Payment}
}

// =============================================================================
// LEDGER HELPERS
// =============================================================================

// post stamps the journal with the open business day, appends it, verifies
// every touched reference group, and enqueues RiderBalanceChanged for every
// rider account it moved.
func (e *Engine) post(ctx context.Context, tx Tx, j ledger.Journal, now time.Time) error {
	if j.Empty() {
		return nil
	}
	day, err := e.openDay(ctx, tx, now)
	if err != nil {
		return err
	}

	entries := j.Entries(day.ID, now)
	if err := ledger.VerifyBalanced(entries); err != nil {
		return err
	}
	if err := tx.AppendEntries(ctx, entries); err != nil {
		return err
	}

	refs := make(map[ledger.Reference]bool)
	var riders []string
	seenRider := make(map[string]bool)
	for _, p := range j.Postings {
		refs[p.Reference] = true
		for _, acct := range []ledger.Account{p.Debit, p.Credit} {
			if acct.Kind == ledger.KindRider && !seenRider[acct.ID] {
				seenRider[acct.ID] = true
				riders = append(riders, acct.ID)
			}
		}
	}
	for ref := range refs {
		ref := ref
		group, err := tx.Entries(ctx, EntryFilter{Reference: &ref})
		if err != nil {
			return err
		}
		if err := ledger.VerifyBalanced(group); err != nil {
			return err
		}
	}

	for _, riderID := range riders {
		balance, err := riderBalance(ctx, tx, riderID)
		if err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{"rider_id": riderID, "balance": balance}).Info("rider balance changed")
		if err := tx.Enqueue(ctx, events.NewRiderBalanceChanged(events.RiderBalanceChanged{
			RiderID:    riderID,
			NewBalance: balance,
		}, now)); err != nil {
			return err
		}
	}
	return nil
}

// openDay returns the open business day, opening the first one on demand.
func (e *Engine) openDay(ctx context.Context, tx Tx, now time.Time) (*BusinessDay, error) {
	day, err := tx.CurrentDay(ctx)
	if err != nil {
		return nil, err
	}
	if day != nil {
		return day, nil
	}
	return e.startDay(ctx, tx, e.Policy.OpeningCash, now)
}

// startDay opens a new business day. IDs are the opening date, suffixed
// when that date already had a day.
func (e *Engine) startDay(ctx context.Context, tx Tx, openingCash ledger.Money, now time.Time) (*BusinessDay, error) {
	date := now.Format("2006-01-02")
	id := date
	for n := 2; ; n++ {
		existing, err := tx.GetDay(ctx, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if existing == nil {
			break
		}
		id = fmt.Sprintf("%s-%d", date, n)
	}
	day := BusinessDay{
		ID:          id,
		Status:      DayOpen,
		OpeningCash: openingCash,
		OpenedAt:    now,
	}
	if err := tx.SaveDay(ctx, day); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"day": id, "opening_cash": openingCash}).Info("business day opened")
	return &day, nil
}

// reverseOrder reverses every outstanding ORDER-reference posting of the
// given purposes. It returns what was reversed.
func reverseOrder(ctx context.Context, r Reader, orderID, actorID string, purposes ...ledger.Purpose) ([]ledger.Posting, error) {
	ref := ledger.OrderRef(orderID)
	entries, err := r.Entries(ctx, EntryFilter{Reference: &ref})
	if err != nil {
		return nil, err
	}
	want := make(map[ledger.Purpose]bool, len(purposes))
	for _, p := range purposes {
		want[p] = true
	}
	var out []ledger.Posting
	for _, p := range ledger.Outstanding(ledger.PostingsFromEntries(entries)) {
		if want[p.Purpose] {
			out = append(out, p)
		}
	}
	return out, nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// TableReleaser hands a dine-in table back to floor management once the
// order no longer holds it. Called after commit; a failure is logged, the
// order transition stands.
type TableReleaser interface {
	ReleaseTable(ctx context.Context, restaurantID, tableRef string) error
}

// LogTableReleaser only logs the release. Used when no floor service is wired.
type LogTableReleaser struct {
	Log logrus.FieldLogger
}

func (r *LogTableReleaser) ReleaseTable(_ context.Context, restaurantID, tableRef string) error {
	r.Log.WithFields(logrus.Fields{
		"restaurant_id": restaurantID,
		"table":         tableRef,
	}).Info("table needs cleaning")
	return nil
}

// releaseTable notifies the floor service for dine-in orders that just left
// ACTIVE/READY.
func (e *Engine) releaseTable(ctx context.Context, o *order.Order) {
	if o == nil || o.Kind.Type != order.DineIn || e.Tables == nil {
		return
	}
	if err := e.Tables.ReleaseTable(ctx, o.RestaurantID, o.Kind.TableRef); err != nil {
		e.log.WithError(err).WithField("order_id", o.ID).Warn("table release failed")
	}
}
