// Package ledger defines the account model and the persistence contracts the
// cache reads through and the trade shop writes through.
//
// Backend is the read side: balances, labels and selector lookups, each with
// a single-key and a multi-key form so callers can batch.
// Ledger adds the writes a shop needs.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrAccountExists     = errors.New("ledger: account already exists")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnbalanced        = errors.New("ledger: postings do not sum to zero")
)

// AccountID identifies an account.
type AccountID = uuid.UUID

// NewAccountID returns a random account id.
func NewAccountID() AccountID { return uuid.New() }

// ParseAccountID parses the canonical text form of an id.
func ParseAccountID(s string) (AccountID, error) { return uuid.Parse(s) }

// Labels are free-form annotations on an account.
type Labels map[string]string

// Clone returns an independent copy; nil stays nil.
func (l Labels) Clone() Labels { return maps.Clone(l) }

// Backend is the read-only view of the ledger.
// Multi-key methods omit unknown accounts from their result instead of failing.
type Backend interface {
	FetchAccountBalance(ctx context.Context, id AccountID) (int64, error)
	FetchAccountBalances(ctx context.Context, ids []AccountID) (map[AccountID]int64, error)
	FetchAccountLabels(ctx context.Context, id AccountID) (Labels, error)
	FetchAccountLabelsMulti(ctx context.Context, ids []AccountID) (map[AccountID]Labels, error)
	// FindAccounts returns the accounts matching sel, sorted by id.
	FindAccounts(ctx context.Context, sel Selector) ([]AccountID, error)
}

// Ledger is a Backend that can also be written to.
type Ledger interface {
	Backend
	CreateAccount(ctx context.Context, id AccountID, balance int64, labels Labels) error
	SetLabels(ctx context.Context, id AccountID, labels Labels) error
	// Transfer applies every posting or none of them.
	Transfer(ctx context.Context, t Transfer) error
}

// Posting moves Delta into (positive) or out of (negative) an account.
// Overdraft lets the account go below zero; oracle accounts use it.
type Posting struct {
	Account   AccountID
	Delta     int64
	Overdraft bool
}

// Transfer is a balanced set of postings.
type Transfer struct {
	Postings []Posting
	Labels   Labels
}

// Validate checks that the postings sum to zero and touch each account once.
func (t Transfer) Validate() error {
	var sum int64
	seen := make(map[AccountID]struct{}, len(t.Postings))
	for _, p := range t.Postings {
		if _, dup := seen[p.Account]; dup {
			return errors.New("ledger: account posted twice in one transfer")
		}
		seen[p.Account] = struct{}{}
		sum += p.Delta
	}
	if sum != 0 {
		return ErrUnbalanced
	}
	return nil
}

// Pay is a two-posting transfer of amount from -> to.
func Pay(from, to AccountID, amount int64) Transfer {
	return Transfer{Postings: []Posting{
		{Account: from, Delta: -amount},
		{Account: to, Delta: amount},
	}}
}

// CheckFunds reports ErrInsufficientFunds when applying p to balance would
// overdraw an account that does not allow it.
func CheckFunds(balance int64, p Posting) error {
	if p.Delta < 0 && !p.Overdraft && balance+p.Delta < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// SortIDs orders ids in place by their byte value.
func SortIDs(ids []AccountID) {
	slices.SortFunc(ids, func(a, b AccountID) int { return bytes.Compare(a[:], b[:]) })
}
