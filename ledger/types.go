/*
Package ledger provides the double-entry primitives for the order ledger.

PURPOSE:
  Every financial movement in the restaurant (a rider taking a float, an
  order's value handed to a rider, cash coming back, a counter sale, a
  supplier payout) is recorded here as a Posting: ONE amount moving from
  ONE credit account to ONE debit account. A Posting always expands to a
  matched DEBIT/CREDIT pair of Entries, so an unbalanced movement cannot be
  expressed with this package's types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:   logical account (a rider, the cash drawer, revenue, a supplier)
  - Reference: groups postings that form one business event (ORDER:o-1)
  - Posting:   the matched-pair primitive (debit account, credit account, amount)
  - Journal:   postings committed together in one store transaction
  - Entry:     one persisted half of a posting (immutable once written)

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: Money wraps decimal.Decimal
  3. Balance by construction: there is no way to build a lone Entry
  4. Auditability: every posting carries actor, purpose and idempotency key

SEE ALSO:
  - balance.go: Balance derivation and integrity checks
  - money.go: Money type
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountKind classifies an account. Asset kinds carry a debit-normal balance
// (positive = money owed to or held for the business).
type AccountKind string

const (
	KindRider      AccountKind = "rider"
	KindCashDrawer AccountKind = "cash_drawer"
	KindRevenue    AccountKind = "revenue"
	KindSupplier   AccountKind = "supplier"
	KindExpense    AccountKind = "expense"
)

// IsAsset reports whether balances of this kind are read debit-minus-credit.
func (k AccountKind) IsAsset() bool {
	switch k {
	case KindRider, KindCashDrawer, KindExpense, KindSupplier:
		return true
	default:
		return false
	}
}

// Account identifies one logical ledger account.
type Account struct {
	Kind AccountKind
	ID   string
}

var (
	CashDrawer = Account{Kind: KindCashDrawer, ID: "main"}
	Revenue    = Account{Kind: KindRevenue, ID: "sales"}
)

func RiderAccount(riderID string) Account       { return Account{Kind: KindRider, ID: riderID} }
func SupplierAccount(supplierID string) Account { return Account{Kind: KindSupplier, ID: supplierID} }

func (a Account) String() string { return string(a.Kind) + ":" + a.ID }

// ParseAccount parses the "kind:id" form produced by String.
func ParseAccount(s string) (Account, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Account{}, fmt.Errorf("invalid account %q", s)
	}
	switch k := AccountKind(kind); k {
	case KindRider, KindCashDrawer, KindRevenue, KindSupplier, KindExpense:
		return Account{Kind: k, ID: id}, nil
	}
	return Account{}, fmt.Errorf("unknown account kind %q", kind)
}

// =============================================================================
// REFERENCE - The business event a group of postings belongs to
// =============================================================================

type ReferenceKind string

const (
	RefOrder      ReferenceKind = "ORDER"
	RefSettlement ReferenceKind = "SETTLEMENT"
	RefPayout     ReferenceKind = "PAYOUT"
	RefStockIn    ReferenceKind = "STOCK_IN"
)

type Reference struct {
	Kind ReferenceKind
	ID   string
}

func OrderRef(orderID string) Reference      { return Reference{Kind: RefOrder, ID: orderID} }
func SettlementRef(batchID string) Reference { return Reference{Kind: RefSettlement, ID: batchID} }
func PayoutRef(payoutID string) Reference    { return Reference{Kind: RefPayout, ID: payoutID} }

func (r Reference) String() string { return string(r.Kind) + ":" + r.ID }

// ParseReference parses the "KIND:id" form produced by String. The kind is
// case-insensitive; the id may itself contain colons.
func ParseReference(s string) (Reference, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Reference{}, fmt.Errorf("invalid reference %q", s)
	}
	switch k := ReferenceKind(strings.ToUpper(kind)); k {
	case RefOrder, RefSettlement, RefPayout, RefStockIn:
		return Reference{Kind: k, ID: id}, nil
	}
	return Reference{}, fmt.Errorf("unknown reference kind %q", kind)
}

// =============================================================================
// DIRECTION & PURPOSE
// =============================================================================

type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Purpose records why a posting was made. Reports classify drawer movements
// by purpose rather than by guessing from the counter-account.
type Purpose string

const (
	PurposeFloat       Purpose = "float"        // rider takes change money from the drawer
	PurposeOrderCharge Purpose = "order_charge" // order value handed to a rider for collection
	PurposeCashSale    Purpose = "cash_sale"    // counter payment into the drawer
	PurposeSettlement  Purpose = "settlement"   // rider hands cash back to the drawer
	PurposePayout      Purpose = "payout"       // drawer pays a supplier or expense
	PurposeRefund      Purpose = "refund"       // money returned for a cancelled order
)

// =============================================================================
// POSTING - Matched debit/credit pair
// =============================================================================

// Posting moves Amount from the Credit account to the Debit account.
// It is the only way entries come into existence.
type Posting struct {
	ID             string
	Debit          Account
	Credit         Account
	Amount         Money
	Reference      Reference
	Purpose        Purpose
	ReversalOf     string // posting ID this one reverses, empty otherwise
	ActorID        string
	IdempotencyKey string
	Memo           string
}

// NewPosting builds a posting and validates its shape. Amounts are
// non-negative and the two sides must be distinct accounts.
func NewPosting(debit, credit Account, amount Money, ref Reference, purpose Purpose, actorID string) (Posting, error) {
	if amount.IsNegative() {
		return Posting{}, fmt.Errorf("%w: negative amount %s", ErrInvalidPosting, amount)
	}
	if debit == credit {
		return Posting{}, fmt.Errorf("%w: debit and credit are both %s", ErrInvalidPosting, debit)
	}
	if ref.ID == "" {
		return Posting{}, fmt.Errorf("%w: missing reference", ErrInvalidPosting)
	}
	return Posting{
		ID:        uuid.NewString(),
		Debit:     debit,
		Credit:    credit,
		Amount:    amount,
		Reference: ref,
		Purpose:   purpose,
		ActorID:   actorID,
	}, nil
}

// Reverse builds the compensating posting: same amount, sides swapped.
func (p Posting) Reverse(actorID string) Posting {
	return Posting{
		ID:             uuid.NewString(),
		Debit:          p.Credit,
		Credit:         p.Debit,
		Amount:         p.Amount,
		Reference:      p.Reference,
		Purpose:        p.Purpose,
		ReversalOf:     p.ID,
		ActorID:        actorID,
		IdempotencyKey: "reversal:" + p.ID,
	}
}

// Entries expands the posting into its two halves.
func (p Posting) Entries(businessDay string, at time.Time) [2]Entry {
	base := Entry{
		PostingID:      p.ID,
		Amount:         p.Amount,
		Reference:      p.Reference,
		Purpose:        p.Purpose,
		ReversalOf:     p.ReversalOf,
		ActorID:        p.ActorID,
		IdempotencyKey: p.IdempotencyKey,
		Memo:           p.Memo,
		BusinessDay:    businessDay,
		CreatedAt:      at,
	}
	debit, credit := base, base
	debit.Account, debit.Direction = p.Debit, Debit
	credit.Account, credit.Direction = p.Credit, Credit
	return [2]Entry{debit, credit}
}

// =============================================================================
// JOURNAL - Postings committed as one unit
// =============================================================================

// Journal collects the postings of one business event. The store writes all
// of them in a single transaction or none of them.
type Journal struct {
	Postings []Posting
}

// Add appends a posting. Zero-amount postings carry no information and are
// dropped.
func (j *Journal) Add(p Posting) {
	if p.Amount.IsZero() {
		return
	}
	j.Postings = append(j.Postings, p)
}

func (j Journal) Empty() bool { return len(j.Postings) == 0 }

// Entries expands every posting, debit half first.
func (j Journal) Entries(businessDay string, at time.Time) []Entry {
	out := make([]Entry, 0, 2*len(j.Postings))
	for _, p := range j.Postings {
		pair := p.Entries(businessDay, at)
		out = append(out, pair[0], pair[1])
	}
	return out
}

// =============================================================================
// ENTRY - One persisted half of a posting
// =============================================================================

type Entry struct {
	ID             int64 // monotonic, assigned by the store
	PostingID      string
	Account        Account
	Direction      Direction
	Amount         Money
	Reference      Reference
	Purpose        Purpose
	ReversalOf     string
	ActorID        string
	IdempotencyKey string
	Memo           string
	BusinessDay    string
	CreatedAt      time.Time
}

// Signed returns the amount as it affects a debit-normal balance.
func (e Entry) Signed() Money {
	if e.Direction == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}
