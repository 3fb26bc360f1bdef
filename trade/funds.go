package trade

import (
	"context"

	"github.com/unkn0wn-root/capital/ledger"
)

// FundsCheck returns a listener that rejects trades the buyer cannot pay
// for. The ledger re-checks at transfer time; this only rejects early so
// the other executors never commit.
func FundsCheck(b ledger.Backend) Listener {
	return func(ctx context.Context, e *Event) error {
		t := e.Trade()
		return e.Go(ctx, "funds", func(ctx context.Context) *Rejection {
			bal, err := b.FetchAccountBalance(ctx, t.Buyer)
			if err != nil {
				return &Rejection{Reason: "balance lookup failed", Err: err}
			}
			if bal < t.Price {
				return &Rejection{Reason: "insufficient funds", Err: ledger.ErrInsufficientFunds}
			}
			return nil
		}, nil, nil)
	}
}

// LabelGate returns a listener that rejects trades whose buyer does not
// match sel.
func LabelGate(name string, b ledger.Backend, sel ledger.Selector) Listener {
	return func(ctx context.Context, e *Event) error {
		t := e.Trade()
		return e.Go(ctx, name, func(ctx context.Context) *Rejection {
			labels, err := b.FetchAccountLabels(ctx, t.Buyer)
			if err != nil {
				return &Rejection{Reason: "label lookup failed", Err: err}
			}
			if !sel.Matches(labels) {
				return &Rejection{Reason: "buyer does not match " + sel.String()}
			}
			return nil
		}, nil, nil)
	}
}
