package capital

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/capital/ledger"
)

var (
	ErrHandleReleased = errors.New("capital: handle already released")
	ErrClosed         = errors.New("capital: cache closed")
)

// ReleaseError reports a member account whose references could not be given
// back to the balance and/or label cache. It always points at a counting bug.
type ReleaseError struct {
	Account    ledger.AccountID
	BalanceErr error
	LabelErr   error
}

func (e *ReleaseError) Error() string {
	switch {
	case e.BalanceErr != nil && e.LabelErr != nil:
		return fmt.Sprintf("release %s failed: balance and labels: balance=%v; labels=%v",
			e.Account, e.BalanceErr, e.LabelErr)
	case e.BalanceErr != nil:
		return fmt.Sprintf("release %s: balance: %v", e.Account, e.BalanceErr)
	case e.LabelErr != nil:
		return fmt.Sprintf("release %s: labels: %v", e.Account, e.LabelErr)
	default:
		return fmt.Sprintf("release %s: unknown error", e.Account)
	}
}

func (e *ReleaseError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BalanceErr != nil {
		errs = append(errs, e.BalanceErr)
	}
	if e.LabelErr != nil {
		errs = append(errs, e.LabelErr)
	}
	return errs
}

// RefreshError wraps a failed background step of one cache instance.
type RefreshError struct {
	Instance string
	Op       string // "refresh" or "recycle"
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("capital: %s %s: %v", e.Op, e.Instance, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
