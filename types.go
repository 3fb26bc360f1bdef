package capital

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/capital/ledger"
	"github.com/unkn0wn-root/capital/refcache"
)

type (
	balanceCache  = refcache.Instance[ledger.AccountID, int64]
	labelCache    = refcache.Instance[ledger.AccountID, ledger.Labels]
	selectorCache = refcache.Instance[ledger.Selector, []ledger.AccountID]
)

func accountKey(id ledger.AccountID) string { return id.String() }

// balanceType reads balances straight from the backend.
type balanceType struct{ b ledger.Backend }

func (balanceType) Key(id ledger.AccountID) string { return accountKey(id) }

func (t balanceType) FetchEntry(ctx context.Context, id ledger.AccountID) (int64, error) {
	return t.b.FetchAccountBalance(ctx, id)
}

func (t balanceType) FetchEntries(ctx context.Context, ids []ledger.AccountID) (map[string]int64, error) {
	m, err := t.b.FetchAccountBalances(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(m))
	for id, v := range m {
		out[accountKey(id)] = v
	}
	return out, nil
}

func (balanceType) OnEntryRefresh(context.Context, ledger.AccountID, int64, int64) error { return nil }
func (balanceType) OnEntryFree(context.Context, ledger.AccountID, int64) error          { return nil }

// labelType reads label maps straight from the backend.
type labelType struct{ b ledger.Backend }

func (labelType) Key(id ledger.AccountID) string { return accountKey(id) }

func (t labelType) FetchEntry(ctx context.Context, id ledger.AccountID) (ledger.Labels, error) {
	return t.b.FetchAccountLabels(ctx, id)
}

func (t labelType) FetchEntries(ctx context.Context, ids []ledger.AccountID) (map[string]ledger.Labels, error) {
	m, err := t.b.FetchAccountLabelsMulti(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ledger.Labels, len(m))
	for id, v := range m {
		out[accountKey(id)] = v
	}
	return out, nil
}

func (labelType) OnEntryRefresh(context.Context, ledger.AccountID, ledger.Labels, ledger.Labels) error {
	return nil
}
func (labelType) OnEntryFree(context.Context, ledger.AccountID, ledger.Labels) error { return nil }

// selectorType resolves a selector to its member accounts. Every member list
// it returns owns one reference per member in balances and labels; the hooks
// give those references back when the list is replaced or evicted.
type selectorType struct {
	b           ledger.Backend
	balances    *balanceCache
	labels      *labelCache
	concurrency int
	// onError receives release failures that have no caller to return to
	onError func(error)
}

func (*selectorType) Key(s ledger.Selector) string { return s.Key() }

func (t *selectorType) FetchEntry(ctx context.Context, s ledger.Selector) ([]ledger.AccountID, error) {
	ids, err := t.b.FindAccounts(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := t.acquire(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *selectorType) FetchEntries(ctx context.Context, sels []ledger.Selector) (map[string][]ledger.AccountID, error) {
	found := make([][]ledger.AccountID, len(sels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, s := range sels {
		i, s := i, s
		g.Go(func() error {
			ids, err := t.b.FindAccounts(gctx, s)
			found[i] = ids
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []ledger.AccountID
	for _, ids := range found {
		all = append(all, ids...)
	}
	if err := t.acquire(ctx, all); err != nil {
		return nil, err
	}

	out := make(map[string][]ledger.AccountID, len(sels))
	for i, s := range sels {
		k := s.Key()
		if _, dup := out[k]; dup {
			// same selector twice in one batch: only one list is kept
			if err := t.release(found[i]); err != nil {
				t.onError(err)
			}
			continue
		}
		out[k] = found[i]
	}
	return out, nil
}

func (t *selectorType) OnEntryRefresh(_ context.Context, _ ledger.Selector, old, _ []ledger.AccountID) error {
	return t.release(old)
}

func (t *selectorType) OnEntryFree(_ context.Context, _ ledger.Selector, ids []ledger.AccountID) error {
	return t.release(ids)
}

// acquire takes one balance and one label reference per element of ids.
func (t *selectorType) acquire(ctx context.Context, ids []ledger.AccountID) error {
	if len(ids) == 0 {
		return nil
	}
	var (
		wg             sync.WaitGroup
		balErr, lblErr error
	)
	wg.Add(2)
	go func() { defer wg.Done(); balErr = t.balances.FetchMany(ctx, ids) }()
	go func() { defer wg.Done(); lblErr = t.labels.FetchMany(ctx, ids) }()
	wg.Wait()

	switch {
	case balErr == nil && lblErr == nil:
		return nil
	case balErr == nil:
		return undo(lblErr, t.balances, ids)
	case lblErr == nil:
		return undo(balErr, t.labels, ids)
	default:
		return multierror.Append(balErr, lblErr)
	}
}

// undo gives back the references one half of a failed acquire took.
func undo[V any](cause error, c *refcache.Instance[ledger.AccountID, V], ids []ledger.AccountID) error {
	errs := multierror.Append(nil, cause)
	for _, id := range ids {
		if err := c.Free(id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if len(errs.Errors) == 1 {
		return cause
	}
	return errs
}

// release frees one balance and one label reference per element of ids.
func (t *selectorType) release(ids []ledger.AccountID) error {
	var errs *multierror.Error
	for _, id := range ids {
		balErr := t.balances.Free(id)
		lblErr := t.labels.Free(id)
		if balErr != nil || lblErr != nil {
			errs = multierror.Append(errs, &ReleaseError{Account: id, BalanceErr: balErr, LabelErr: lblErr})
		}
	}
	return errs.ErrorOrNil()
}
