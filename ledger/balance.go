/*
balance.go - Balance derivation and integrity checks

PURPOSE:
  Balances are never stored. They are computed by replaying entries, so
  there is no separate field that can drift from the ledger.

INTEGRITY:
  VerifyBalanced re-pairs entries by posting and by reference. A mismatch
  means something bypassed the Posting primitive; callers treat it as fatal
  and abort the enclosing transaction.
*/
package ledger

import (
	"sort"
)

// Balance returns the debit-minus-credit total of the account's entries.
// For asset accounts (riders, cash drawer) positive means money owed to or
// held for the business.
func Balance(entries []Entry, account Account) Money {
	total := Zero
	for _, e := range entries {
		if e.Account == account {
			total = total.Add(e.Signed())
		}
	}
	return total
}

// NormalBalance reads the balance on the account kind's normal side:
// debit-normal for assets, credit-normal for revenue.
func NormalBalance(entries []Entry, account Account) Money {
	b := Balance(entries, account)
	if account.Kind.IsAsset() {
		return b
	}
	return b.Neg()
}

// Totals is the debit/credit sum for one grouping key.
type Totals struct {
	Debits  Money
	Credits Money
}

func (t Totals) Balanced() bool { return t.Debits.Equal(t.Credits) }

// TotalsByReference groups entries by reference.
func TotalsByReference(entries []Entry) map[Reference]Totals {
	out := make(map[Reference]Totals)
	for _, e := range entries {
		t := out[e.Reference]
		if e.Direction == Debit {
			t.Debits = t.Debits.Add(e.Amount)
		} else {
			t.Credits = t.Credits.Add(e.Amount)
		}
		out[e.Reference] = t
	}
	return out
}

// VerifyBalanced checks that every posting has exactly one debit and one
// credit half of equal amount, and that every reference group sums to zero.
func VerifyBalanced(entries []Entry) error {
	type halves struct {
		debit, credit int
		amount        Money
		mismatch      bool
		ref           Reference
	}
	byPosting := make(map[string]*halves)
	for _, e := range entries {
		h, ok := byPosting[e.PostingID]
		if !ok {
			h = &halves{amount: e.Amount, ref: e.Reference}
			byPosting[e.PostingID] = h
		} else if !h.amount.Equal(e.Amount) || h.ref != e.Reference {
			h.mismatch = true
		}
		if e.Direction == Debit {
			h.debit++
		} else {
			h.credit++
		}
	}
	ids := make([]string, 0, len(byPosting))
	for id := range byPosting {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h := byPosting[id]
		if h.debit != 1 || h.credit != 1 || h.mismatch {
			return &IntegrityError{Reference: h.ref, PostingID: id, Detail: "posting halves do not match"}
		}
	}

	for ref, t := range TotalsByReference(entries) {
		if !t.Balanced() {
			return &IntegrityError{Reference: ref, Detail: "debits " + t.Debits.String() + " != credits " + t.Credits.String()}
		}
	}
	return nil
}

// PostingsFromEntries reassembles postings from persisted entry pairs, in
// first-seen order. Incomplete pairs are skipped; VerifyBalanced reports them.
func PostingsFromEntries(entries []Entry) []Posting {
	var order []string
	byID := make(map[string]*Posting)
	for _, e := range entries {
		p, ok := byID[e.PostingID]
		if !ok {
			p = &Posting{
				ID:             e.PostingID,
				Amount:         e.Amount,
				Reference:      e.Reference,
				Purpose:        e.Purpose,
				ReversalOf:     e.ReversalOf,
				ActorID:        e.ActorID,
				IdempotencyKey: e.IdempotencyKey,
				Memo:           e.Memo,
			}
			byID[e.PostingID] = p
			order = append(order, e.PostingID)
		}
		if e.Direction == Debit {
			p.Debit = e.Account
		} else {
			p.Credit = e.Account
		}
	}
	out := make([]Posting, 0, len(order))
	for _, id := range order {
		p := byID[id]
		if p.Debit.ID == "" || p.Credit.ID == "" {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Outstanding returns the postings that are neither reversals nor already
// reversed. Cancelling a reference reverses exactly these.
func Outstanding(postings []Posting) []Posting {
	reversed := make(map[string]bool)
	for _, p := range postings {
		if p.ReversalOf != "" {
			reversed[p.ReversalOf] = true
		}
	}
	var out []Posting
	for _, p := range postings {
		if p.ReversalOf == "" && !reversed[p.ID] {
			out = append(out, p)
		}
	}
	return out
}
