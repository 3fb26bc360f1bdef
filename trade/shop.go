package trade

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/capital"
	"github.com/unkn0wn-root/capital/ledger"
)

// ShopOptions configure a Shop. Only Ledger is required.
type ShopOptions struct {
	// Required
	Ledger ledger.Ledger

	// Listeners asked to join every trade; nil means none.
	Dispatcher *Dispatcher

	// Account that receives trade fees. Required when a trade carries a fee.
	Oracle ledger.AccountID

	Logger capital.Logger // if nil, NopLogger is used
}

// Shop turns trades into ledger transfers once every interested executor
// has admitted them.
type Shop struct {
	ledger     ledger.Ledger
	dispatcher *Dispatcher
	oracle     ledger.AccountID
	log        capital.Logger
}

func NewShop(opts ShopOptions) (*Shop, error) {
	if opts.Ledger == nil {
		return nil, errors.New("trade: ledger is required")
	}
	s := &Shop{
		ledger:     opts.Ledger,
		dispatcher: opts.Dispatcher,
		oracle:     opts.Oracle,
		log:        capital.NopLogger{},
	}
	if opts.Logger != nil {
		s.log = opts.Logger
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher()
	}
	return s, nil
}

// Execute offers t to every listener and runs the transfer if all of them
// admit it. A trade that is rejected, or that the ledger declines for lack
// of funds, comes back as a *Rejection error. Execute returns once every
// executor has committed or rolled back, or as soon as one rejects.
func (s *Shop) Execute(ctx context.Context, t Trade) (*Event, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.Fee > 0 {
		switch s.oracle {
		case uuid.Nil:
			return nil, fmt.Errorf("%w: fee %d without an oracle account", ErrInvalidTrade, t.Fee)
		case t.Buyer, t.Seller:
			return nil, fmt.Errorf("%w: oracle cannot be a trade party", ErrInvalidTrade)
		}
	}

	e := NewEvent(t, s.transaction(t), WithLogger(s.log))
	if err := s.dispatcher.Dispatch(ctx, e); err != nil {
		e.Cancel(&Rejection{Executor: "shop", Reason: "listener failed", Err: err})
		s.log.Warn("trade listener failed", capital.Fields{"trade": t.ID.String(), "err": err})
	}

	if e.Seal() {
		if r := e.Rejection(); r != nil {
			return e, r
		}
		ok, err := e.tx.Get(ctx)
		return e, s.outcome(e, ok, err)
	}

	rej, err := e.WaitDone(ctx)
	if err != nil {
		return e, err
	}
	if rej != nil {
		return e, rej
	}
	if !e.admission.Closed() {
		// every executor finished but one of them never admitted
		e.Cancel(&Rejection{Executor: "shop", Reason: "executor finished undecided"})
		return e, e.Rejection()
	}
	ok, err := e.tx.Get(ctx)
	return e, s.outcome(e, ok, err)
}

func (s *Shop) outcome(e *Event, ok bool, err error) error {
	t := e.Trade()
	switch {
	case err != nil:
		s.log.Error("trade transfer failed", capital.Fields{"trade": t.ID.String(), "err": err})
		return err
	case !ok:
		return &Rejection{Executor: "ledger", Reason: "insufficient funds", Err: ledger.ErrInsufficientFunds}
	}
	s.log.Info("trade executed", capital.Fields{
		"trade":     t.ID.String(),
		"shop":      t.Shop,
		"price":     t.Price,
		"fee":       t.Fee,
		"executors": len(e.Executors()),
	})
	return nil
}

func (s *Shop) transaction(t Trade) Transaction {
	return func(ctx context.Context) (bool, error) {
		postings := []ledger.Posting{
			{Account: t.Buyer, Delta: -t.Price},
			{Account: t.Seller, Delta: t.Price - t.Fee},
		}
		if t.Fee > 0 {
			postings = append(postings, ledger.Posting{Account: s.oracle, Delta: t.Fee, Overdraft: true})
		}
		labels := t.Labels.Clone()
		if labels == nil {
			labels = ledger.Labels{}
		}
		labels["trade"] = t.ID.String()
		if t.Shop != "" {
			labels["shop"] = t.Shop
		}
		err := s.ledger.Transfer(ctx, ledger.Transfer{Postings: postings, Labels: labels})
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return false, nil
		case err != nil:
			return false, err
		}
		return true, nil
	}
}
