/*
report.go - Z-report, business day close, payouts

Z-REPORT:
  expected_drawer = opening_cash
                  + cash_sales + settlements + floats_recalled
                  − payouts − floats_issued − refunds
  Every term is read from the day's cash-drawer entries, classified by the
  posting purpose. With no floats or refunds it reduces to
  opening_cash + cash_sales + settlements − payouts.

CLOSE DAY:
  In one transaction: the day is marked CLOSED with the expected, actual
  and variance figures, every rider with a non-zero balance is recorded as
  carried forward, and the next day opens with opening_cash = actual count.
  Entries stamped with a closed day can no longer be written.
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/order-ledger/ledger"
)

type ZReport struct {
	BusinessDay    string       `json:"business_day"`
	Status         DayStatus    `json:"status"`
	OpeningCash    ledger.Money `json:"opening_cash"`
	CashSales      ledger.Money `json:"cash_sales"`
	Settlements    ledger.Money `json:"settlements"`
	Payouts        ledger.Money `json:"payouts"`
	FloatsIssued   ledger.Money `json:"floats_issued"`
	FloatsRecalled ledger.Money `json:"floats_recalled"`
	Refunds        ledger.Money `json:"refunds"`
	ExpectedDrawer ledger.Money `json:"expected_drawer"`

	// Present once a physical count is supplied.
	ActualCash *ledger.Money `json:"actual_cash,omitempty"`
	Variance   *ledger.Money `json:"variance,omitempty"`

	RiderBalances []RiderBalance `json:"rider_balances"`
}

// ZReport previews the open day. With actual set, the variance is computed
// but nothing is written.
func (e *Engine) ZReport(ctx context.Context, actual *ledger.Money) (*ZReport, error) {
	day, err := e.Store.CurrentDay(ctx)
	if err != nil {
		return nil, err
	}
	if day == nil {
		day = &BusinessDay{ID: e.Now().Format("2006-01-02"), Status: DayOpen, OpeningCash: e.Policy.OpeningCash}
	}
	return buildZReport(ctx, e.Store, day, actual)
}

// DayReport rebuilds the report of any day, open or closed.
func (e *Engine) DayReport(ctx context.Context, dayID string) (*ZReport, error) {
	day, err := e.Store.GetDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	var actual *ledger.Money
	if day.Status == DayClosed {
		actual = &day.ActualCash
	}
	r, err := buildZReport(ctx, e.Store, day, actual)
	if err != nil {
		return nil, err
	}
	if day.Status == DayClosed {
		r.RiderBalances = day.Carried
	}
	return r, nil
}

func buildZReport(ctx context.Context, r Reader, day *BusinessDay, actual *ledger.Money) (*ZReport, error) {
	drawer := ledger.CashDrawer
	entries, err := r.Entries(ctx, EntryFilter{Account: &drawer, BusinessDay: day.ID})
	if err != nil {
		return nil, err
	}
	z := &ZReport{
		BusinessDay:    day.ID,
		Status:         day.Status,
		OpeningCash:    day.OpeningCash,
		CashSales:      ledger.Zero,
		Settlements:    ledger.Zero,
		Payouts:        ledger.Zero,
		FloatsIssued:   ledger.Zero,
		FloatsRecalled: ledger.Zero,
		Refunds:        ledger.Zero,
	}
	for _, en := range entries {
		// Signed is positive for money coming into the drawer.
		amt := en.Signed()
		switch en.Purpose {
		case ledger.PurposeCashSale:
			z.CashSales = z.CashSales.Add(amt)
		case ledger.PurposeSettlement:
			z.Settlements = z.Settlements.Add(amt)
		case ledger.PurposePayout:
			z.Payouts = z.Payouts.Sub(amt)
		case ledger.PurposeRefund:
			z.Refunds = z.Refunds.Sub(amt)
		case ledger.PurposeFloat:
			if en.ReversalOf != "" {
				z.FloatsRecalled = z.FloatsRecalled.Add(amt)
			} else {
				z.FloatsIssued = z.FloatsIssued.Sub(amt)
			}
		}
	}
	z.ExpectedDrawer = z.OpeningCash.
		Add(z.CashSales).
		Add(z.Settlements).
		Add(z.FloatsRecalled).
		Sub(z.Payouts).
		Sub(z.FloatsIssued).
		Sub(z.Refunds)

	if actual != nil {
		a := *actual
		v := a.Sub(z.ExpectedDrawer)
		z.ActualCash, z.Variance = &a, &v
	}
	if z.RiderBalances, err = riderBalances(ctx, r); err != nil {
		return nil, err
	}
	return z, nil
}

// =============================================================================
// CLOSE BUSINESS DAY
// =============================================================================

// CloseBusinessDay closes the open day against the manager's physical count
// and opens the next one. When dayID names a day that is already closed,
// its stored report is returned, so a retried close is safe.
func (e *Engine) CloseBusinessDay(ctx context.Context, dayID string, actualCash ledger.Money, actor Actor) (*ZReport, error) {
	var result *ZReport
	fields := logrus.Fields{"day": dayID, "actor": actor.StaffID}
	err := e.write(ctx, "close_day", fields, func(tx Tx) error {
		if actualCash.IsNegative() {
			return &AmountError{Field: "actual_cash_count", Amount: actualCash, Detail: "must not be negative"}
		}
		if dayID != "" {
			d, err := tx.GetDay(ctx, dayID)
			if err != nil {
				return err
			}
			if d.Status == DayClosed {
				z, err := buildZReport(ctx, tx, d, &d.ActualCash)
				if err != nil {
					return err
				}
				z.RiderBalances = d.Carried
				result = z
				return nil
			}
		}

		now := e.Now()
		day, err := e.openDay(ctx, tx, now)
		if err != nil {
			return err
		}
		if dayID != "" && day.ID != dayID {
			return fmt.Errorf("%w: business day %s is not the open day", ErrNotFound, dayID)
		}

		z, err := buildZReport(ctx, tx, day, &actualCash)
		if err != nil {
			return err
		}
		closedAt := now
		day.Status = DayClosed
		day.ExpectedCash = z.ExpectedDrawer
		day.ActualCash = actualCash
		day.Variance = *z.Variance
		day.Carried = z.RiderBalances
		day.ClosedBy = actor.StaffID
		day.ClosedAt = &closedAt
		if err := tx.SaveDay(ctx, *day); err != nil {
			return err
		}
		z.Status = DayClosed

		if _, err := e.startDay(ctx, tx, actualCash, now); err != nil {
			return err
		}

		log := e.log.WithFields(logrus.Fields{
			"day":      day.ID,
			"expected": day.ExpectedCash,
			"actual":   day.ActualCash,
			"variance": day.Variance,
			"carried":  len(day.Carried),
		})
		if day.Variance.IsZero() {
			log.Info("business day closed")
		} else {
			log.Warn("business day closed with variance")
		}
		result = z
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) CurrentDay(ctx context.Context) (*BusinessDay, error) {
	return e.Store.CurrentDay(ctx)
}

// =============================================================================
// PAYOUTS
// =============================================================================

type PayoutInput struct {
	PayoutID   string // idempotency key
	SupplierID string
	Amount     ledger.Money
	Reason     string
}

type PayoutResult struct {
	PayoutID    string       `json:"payout_id"`
	SupplierID  string       `json:"supplier_id"`
	Amount      ledger.Money `json:"amount"`
	BusinessDay string       `json:"business_day"`
	Replayed    bool         `json:"-"`
}

// RecordPayout pays a supplier or expense out of the cash drawer.
func (e *Engine) RecordPayout(ctx context.Context, in PayoutInput, actor Actor) (*PayoutResult, error) {
	var result *PayoutResult
	fields := logrus.Fields{"payout_id": in.PayoutID, "supplier_id": in.SupplierID, "actor": actor.StaffID}
	err := e.write(ctx, "payout", fields, func(tx Tx) error {
		if in.PayoutID == "" || in.SupplierID == "" {
			return fmt.Errorf("%w: payout id and supplier are required", ErrInvalidInput)
		}
		key := operationKey(opPayout, in.PayoutID)
		prior, err := tx.Operation(ctx, key)
		if err != nil {
			return err
		}
		if prior != nil {
			var r PayoutResult
			if err := json.Unmarshal(prior.Result, &r); err != nil {
				return fmt.Errorf("decode payout %s: %w", in.PayoutID, err)
			}
			r.Replayed = true
			result = &r
			return nil
		}
		if !in.Amount.IsPositive() {
			return &AmountError{Field: "amount", Amount: in.Amount, Detail: "must be positive"}
		}

		now := e.Now()
		p, err := ledger.NewPosting(ledger.SupplierAccount(in.SupplierID), ledger.CashDrawer, in.Amount, ledger.PayoutRef(in.PayoutID), ledger.PurposePayout, actor.StaffID)
		if err != nil {
			return err
		}
		p.IdempotencyKey = key
		p.Memo = in.Reason
		var j ledger.Journal
		j.Add(p)
		if err := e.post(ctx, tx, j, now); err != nil {
			return err
		}
		day, err := tx.CurrentDay(ctx)
		if err != nil {
			return err
		}

		r := &PayoutResult{PayoutID: in.PayoutID, SupplierID: in.SupplierID, Amount: in.Amount, BusinessDay: day.ID}
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		result = r
		e.log.WithFields(fields).WithField("amount", in.Amount).Info("payout recorded")
		return tx.SaveOperation(ctx, Operation{Key: key, Kind: opPayout, Result: body, ActorID: actor.StaffID, CreatedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
