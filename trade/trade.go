// Package trade runs shop transactions through a cooperative admission
// protocol: every registered executor must admit before the transfer runs,
// the first rejection cancels the trade, and each executor gets to commit or
// roll back its own side effects afterwards.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/capital/ledger"
)

var (
	// ErrHandleUsed is returned when one executor handle is admitted or
	// rejected twice, or finished twice.
	ErrHandleUsed = errors.New("trade: executor handle already used")
	// ErrEventDecided is returned by AddExecutor once the event can no
	// longer take new executors.
	ErrEventDecided = errors.New("trade: event already decided")
	ErrInvalidTrade = errors.New("trade: invalid trade")
)

// Trade is one purchase at a shop. Fee is taken out of Price and paid to the
// shop's oracle account.
type Trade struct {
	ID     uuid.UUID
	Shop   string
	Buyer  ledger.AccountID
	Seller ledger.AccountID
	Price  int64
	Fee    int64
	Labels ledger.Labels
}

func (t Trade) validate() error {
	switch {
	case t.Price <= 0:
		return fmt.Errorf("%w: price %d must be positive", ErrInvalidTrade, t.Price)
	case t.Fee < 0 || t.Fee > t.Price:
		return fmt.Errorf("%w: fee %d outside [0, %d]", ErrInvalidTrade, t.Fee, t.Price)
	case t.Buyer == t.Seller:
		return fmt.Errorf("%w: buyer and seller are the same account", ErrInvalidTrade)
	}
	return nil
}

// Rejection says why a trade did not go through. The first rejection of an
// event is the one the event keeps.
type Rejection struct {
	Executor string
	Reason   string
	Err      error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("trade rejected by %s: %s: %v", r.Executor, r.Reason, r.Err)
	}
	return fmt.Sprintf("trade rejected by %s: %s", r.Executor, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Transaction is the trade body. It runs at most once per event; false means
// it declined without failing.
type Transaction func(ctx context.Context) (bool, error)

// Receipt describes a committed trade.
type Receipt struct {
	TradeID   uuid.UUID     `json:"trade_id" cbor:"trade_id" msgpack:"trade_id"`
	Shop      string        `json:"shop" cbor:"shop" msgpack:"shop"`
	Buyer     uuid.UUID     `json:"buyer" cbor:"buyer" msgpack:"buyer"`
	Seller    uuid.UUID     `json:"seller" cbor:"seller" msgpack:"seller"`
	Price     int64         `json:"price" cbor:"price" msgpack:"price"`
	Fee       int64         `json:"fee" cbor:"fee" msgpack:"fee"`
	Labels    ledger.Labels `json:"labels,omitempty" cbor:"labels,omitempty" msgpack:"labels,omitempty"`
	Executors []string      `json:"executors,omitempty" cbor:"executors,omitempty" msgpack:"executors,omitempty"`
	At        time.Time     `json:"at" cbor:"at" msgpack:"at"`
}

// NewReceipt builds the receipt for t as seen by e.
func NewReceipt(e *Event, at time.Time) Receipt {
	t := e.Trade()
	return Receipt{
		TradeID:   t.ID,
		Shop:      t.Shop,
		Buyer:     t.Buyer,
		Seller:    t.Seller,
		Price:     t.Price,
		Fee:       t.Fee,
		Labels:    t.Labels.Clone(),
		Executors: e.Executors(),
		At:        at.UTC(),
	}
}
