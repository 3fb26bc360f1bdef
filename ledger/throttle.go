package ledger

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits every call into b to the rate allowed by lim.
// Multi-key calls consume one token regardless of how many keys they carry.
func Throttle(b Backend, lim *rate.Limiter) Backend {
	return &throttled{b: b, lim: lim}
}

type throttled struct {
	b   Backend
	lim *rate.Limiter
}

func (t *throttled) FetchAccountBalance(ctx context.Context, id AccountID) (int64, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return 0, err
	}
	return t.b.FetchAccountBalance(ctx, id)
}

func (t *throttled) FetchAccountBalances(ctx context.Context, ids []AccountID) (map[AccountID]int64, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.b.FetchAccountBalances(ctx, ids)
}

func (t *throttled) FetchAccountLabels(ctx context.Context, id AccountID) (Labels, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.b.FetchAccountLabels(ctx, id)
}

func (t *throttled) FetchAccountLabelsMulti(ctx context.Context, ids []AccountID) (map[AccountID]Labels, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.b.FetchAccountLabelsMulti(ctx, ids)
}

func (t *throttled) FindAccounts(ctx context.Context, sel Selector) ([]AccountID, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.b.FindAccounts(ctx, sel)
}
