// Package memstore is an in-process ledger.Ledger. It is the default backend
// for tests and single-node setups.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/capital/ledger"
)

type account struct {
	balance int64
	labels  ledger.Labels
}

type Store struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]*account
}

var _ ledger.Ledger = (*Store)(nil)

func New() *Store {
	return &Store{accounts: make(map[ledger.AccountID]*account)}
}

func (s *Store) CreateAccount(_ context.Context, id ledger.AccountID, balance int64, labels ledger.Labels) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, id)
	}
	s.accounts[id] = &account{balance: balance, labels: labels.Clone()}
	return nil
}

func (s *Store) SetLabels(_ context.Context, id ledger.AccountID, labels ledger.Labels) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	a.labels = labels.Clone()
	return nil
}

// SetBalance overwrites a balance outside of any transfer. Meant for
// fixtures and administrative corrections.
func (s *Store) SetBalance(id ledger.AccountID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	a.balance = balance
	return nil
}

func (s *Store) Transfer(_ context.Context, t ledger.Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range t.Postings {
		a, ok := s.accounts[p.Account]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, p.Account)
		}
		if err := ledger.CheckFunds(a.balance, p); err != nil {
			return fmt.Errorf("%w: %s", err, p.Account)
		}
	}
	for _, p := range t.Postings {
		s.accounts[p.Account].balance += p.Delta
	}
	return nil
}

func (s *Store) FetchAccountBalance(_ context.Context, id ledger.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a.balance, nil
}

func (s *Store) FetchAccountBalances(_ context.Context, ids []ledger.AccountID) (map[ledger.AccountID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ledger.AccountID]int64, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a.balance
		}
	}
	return out, nil
}

func (s *Store) FetchAccountLabels(_ context.Context, id ledger.AccountID) (ledger.Labels, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a.labels.Clone(), nil
}

func (s *Store) FetchAccountLabelsMulti(_ context.Context, ids []ledger.AccountID) (map[ledger.AccountID]ledger.Labels, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ledger.AccountID]ledger.Labels, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a.labels.Clone()
		}
	}
	return out, nil
}

func (s *Store) FindAccounts(_ context.Context, sel ledger.Selector) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.AccountID
	for id, a := range s.accounts {
		if sel.Matches(a.labels) {
			out = append(out, id)
		}
	}
	ledger.SortIDs(out)
	return out, nil
}
