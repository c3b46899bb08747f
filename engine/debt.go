package engine

import (
	"context"
	"sort"

	"github.com/warp/order-ledger/ledger"
)

// RiderDebt is a rider's cash position.
type RiderDebt struct {
	RiderID     string
	Outstanding ledger.Money // whole-account balance, carried shortages included
	Shift       *RiderShift  // nil when no shift is OPEN
	InShift     ledger.Money // movement since the open shift started
}

// Outstanding returns the rider's balance: Σ DEBIT − Σ CREDIT over every
// committed entry on the rider account. Positive means the rider holds cash
// that belongs to the restaurant.
func (e *Engine) Outstanding(ctx context.Context, riderID string) (ledger.Money, error) {
	return riderBalance(ctx, e.Store, riderID)
}

// Debt returns the balance together with the open shift's share of it.
func (e *Engine) Debt(ctx context.Context, riderID string) (*RiderDebt, error) {
	balance, err := riderBalance(ctx, e.Store, riderID)
	if err != nil {
		return nil, err
	}
	shift, err := e.Store.OpenShift(ctx, riderID)
	if err != nil {
		return nil, err
	}
	d := &RiderDebt{RiderID: riderID, Outstanding: balance, Shift: shift, InShift: ledger.Zero}
	if shift != nil {
		d.InShift = balance.Sub(shift.OpeningBalance)
	}
	return d, nil
}

func (e *Engine) Shifts(ctx context.Context, riderID string) ([]RiderShift, error) {
	return e.Store.Shifts(ctx, riderID)
}

func riderBalance(ctx context.Context, r Reader, riderID string) (ledger.Money, error) {
	acct := ledger.RiderAccount(riderID)
	entries, err := r.Entries(ctx, EntryFilter{Account: &acct})
	if err != nil {
		return ledger.Zero, err
	}
	return ledger.Balance(entries, acct), nil
}

// riderBalances returns every rider with a non-zero balance, sorted by id.
func riderBalances(ctx context.Context, r Reader) ([]RiderBalance, error) {
	entries, err := r.Entries(ctx, EntryFilter{AccountKind: ledger.KindRider})
	if err != nil {
		return nil, err
	}
	totals := make(map[string]ledger.Money)
	for _, en := range entries {
		totals[en.Account.ID] = totals[en.Account.ID].Add(en.Signed())
	}
	var out []RiderBalance
	for id, b := range totals {
		if !b.IsZero() {
			out = append(out, RiderBalance{RiderID: id, Balance: b})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiderID < out[j].RiderID })
	return out, nil
}
