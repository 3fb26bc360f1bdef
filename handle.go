package capital

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/unkn0wn-root/capital/ledger"
	"github.com/unkn0wn-root/capital/refcache"
)

// CachedAccount is a snapshot of one account taken from the cache. It goes
// stale as soon as the cache refreshes; do not persist it.
type CachedAccount struct {
	ID      ledger.AccountID
	Balance int64
	Labels  ledger.Labels
}

// Handle is a lease on one selector. While it is held the selector's member
// accounts stay resident and keep refreshing.
type Handle struct {
	c        *Cache
	sel      ledger.Selector
	released atomic.Bool
}

func newHandle(c *Cache, sel ledger.Selector) *Handle {
	h := &Handle{c: c, sel: sel}
	runtime.SetFinalizer(h, (*Handle).leaked)
	return h
}

// leaked runs when a handle is collected; it only reports.
func (h *Handle) leaked() {
	if h.released.Load() {
		return
	}
	h.c.log.Warn("handle garbage collected without Release", Fields{"selector": h.sel.String()})
	h.c.hooks.HandleLeaked(h.sel.Key())
}

func (h *Handle) Selector() ledger.Selector { return h.sel }

// Accounts builds fresh snapshots of every member account, in selector
// order. Each call reads the current cache state.
func (h *Handle) Accounts() ([]CachedAccount, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.accounts(func() ([]ledger.AccountID, error) { return h.c.selectors.Get(h.sel) })
}

// accounts pins the members named by the current list while it reads them.
// A member can vanish between reading the list and pinning it only if a
// refresh replaced the list, so a failed pin is retried on the new list.
func (h *Handle) accounts(members func() ([]ledger.AccountID, error)) ([]CachedAccount, error) {
	var prev []ledger.AccountID
	for attempt := 0; ; attempt++ {
		ids, err := members()
		if err != nil {
			return nil, err
		}
		out, err := h.snapshot(ids)
		if err == nil || !errors.Is(err, refcache.ErrNotFetched) {
			return out, err
		}
		if attempt > 0 && slices.Equal(ids, prev) {
			// the list did not move, so its members should have been held
			return nil, fmt.Errorf("capital: members of %s: %w", h.sel, err)
		}
		prev = ids
	}
}

func (h *Handle) snapshot(ids []ledger.AccountID) ([]CachedAccount, error) {
	unpinBalances, err := h.c.balances.Pin(ids)
	if err != nil {
		return nil, err
	}
	defer unpinBalances()
	unpinLabels, err := h.c.labels.Pin(ids)
	if err != nil {
		return nil, err
	}
	defer unpinLabels()

	out := make([]CachedAccount, 0, len(ids))
	for _, id := range ids {
		bal, err := h.c.balances.Get(id)
		if err != nil {
			return nil, fmt.Errorf("capital: account %s of %s: %w", id, h.sel, err)
		}
		labels, err := h.c.labels.Get(id)
		if err != nil {
			return nil, fmt.Errorf("capital: account %s of %s: %w", id, h.sel, err)
		}
		out = append(out, CachedAccount{ID: id, Balance: bal, Labels: labels.Clone()})
	}
	return out, nil
}

// Release gives the lease back. A second call returns ErrHandleReleased.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	runtime.SetFinalizer(h, nil)
	return h.c.selectors.Free(h.sel)
}
