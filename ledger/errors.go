package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPosting is returned when a posting cannot be constructed
	// (negative amount, same account on both sides, missing reference).
	ErrInvalidPosting = errors.New("invalid posting")

	// ErrIntegrity signals an unbalanced ledger. It is never a user error:
	// the enclosing transaction must be aborted.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// IntegrityError names the reference group (and posting, when known) that
// failed to balance.
type IntegrityError struct {
	Reference Reference
	PostingID string
	Detail    string
}

func (e *IntegrityError) Error() string {
	if e.PostingID != "" {
		return fmt.Sprintf("ledger integrity violation in %s (posting %s): %s", e.Reference, e.PostingID, e.Detail)
	}
	return fmt.Sprintf("ledger integrity violation in %s: %s", e.Reference, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
