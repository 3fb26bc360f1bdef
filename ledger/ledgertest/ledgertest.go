// Package ledgertest is a behavioural test suite every ledger.Ledger
// implementation runs against.
package ledgertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/capital/ledger"
)

// Run exercises l. It expects an empty ledger.
func Run(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	alice, bob, carol := ledger.NewAccountID(), ledger.NewAccountID(), ledger.NewAccountID()
	oracle := ledger.NewAccountID()

	require.NoError(t, l.CreateAccount(ctx, alice, 10, ledger.Labels{"shop": "bakery", "vip": "gold"}))
	require.NoError(t, l.CreateAccount(ctx, bob, 20, ledger.Labels{"shop": "bakery"}))
	require.NoError(t, l.CreateAccount(ctx, carol, 5, ledger.Labels{"shop": "forge"}))
	require.NoError(t, l.CreateAccount(ctx, oracle, 0, nil))

	t.Run("create twice", func(t *testing.T) {
		err := l.CreateAccount(ctx, alice, 1, nil)
		require.ErrorIs(t, err, ledger.ErrAccountExists)
	})

	t.Run("single reads", func(t *testing.T) {
		bal, err := l.FetchAccountBalance(ctx, bob)
		require.NoError(t, err)
		require.Equal(t, int64(20), bal)

		labels, err := l.FetchAccountLabels(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, ledger.Labels{"shop": "bakery", "vip": "gold"}, labels)

		_, err = l.FetchAccountBalance(ctx, ledger.NewAccountID())
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = l.FetchAccountLabels(ctx, ledger.NewAccountID())
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("multi reads skip unknown", func(t *testing.T) {
		ghost := ledger.NewAccountID()
		bals, err := l.FetchAccountBalances(ctx, []ledger.AccountID{alice, carol, ghost})
		require.NoError(t, err)
		require.Equal(t, map[ledger.AccountID]int64{alice: 10, carol: 5}, bals)

		labels, err := l.FetchAccountLabelsMulti(ctx, []ledger.AccountID{bob, ghost})
		require.NoError(t, err)
		require.Len(t, labels, 1)
		require.Equal(t, "bakery", labels[bob]["shop"])
	})

	t.Run("find", func(t *testing.T) {
		got, err := l.FindAccounts(ctx, ledger.Select(ledger.Is("shop", "bakery")))
		require.NoError(t, err)
		require.Equal(t, sorted(alice, bob), got)

		got, err = l.FindAccounts(ctx, ledger.Select(ledger.Is("shop", "bakery"), ledger.Has("vip")))
		require.NoError(t, err)
		require.Equal(t, []ledger.AccountID{alice}, got)

		got, err = l.FindAccounts(ctx, ledger.Select(ledger.Has("shop")))
		require.NoError(t, err)
		require.Equal(t, sorted(alice, bob, carol), got)

		got, err = l.FindAccounts(ctx, ledger.Select(ledger.Is("shop", "nowhere")))
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("set labels moves membership", func(t *testing.T) {
		require.NoError(t, l.SetLabels(ctx, bob, ledger.Labels{"shop": "forge"}))
		got, err := l.FindAccounts(ctx, ledger.Select(ledger.Is("shop", "forge")))
		require.NoError(t, err)
		require.Equal(t, sorted(bob, carol), got)

		got, err = l.FindAccounts(ctx, ledger.Select(ledger.Is("shop", "bakery")))
		require.NoError(t, err)
		require.Equal(t, []ledger.AccountID{alice}, got)

		err = l.SetLabels(ctx, ledger.NewAccountID(), nil)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("transfer", func(t *testing.T) {
		tr := ledger.Pay(bob, alice, 15)
		tr.Postings[0].Delta = -17
		tr.Postings = append(tr.Postings, ledger.Posting{Account: oracle, Delta: 2})
		require.NoError(t, l.Transfer(ctx, tr))

		bals, err := l.FetchAccountBalances(ctx, []ledger.AccountID{alice, bob, oracle})
		require.NoError(t, err)
		require.Equal(t, map[ledger.AccountID]int64{alice: 25, bob: 3, oracle: 2}, bals)
	})

	t.Run("transfer is all or nothing", func(t *testing.T) {
		err := l.Transfer(ctx, ledger.Pay(carol, alice, 6))
		require.True(t, errors.Is(err, ledger.ErrInsufficientFunds), "got %v", err)

		err = l.Transfer(ctx, ledger.Pay(carol, ledger.NewAccountID(), 1))
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)

		bals, err := l.FetchAccountBalances(ctx, []ledger.AccountID{alice, carol})
		require.NoError(t, err)
		require.Equal(t, map[ledger.AccountID]int64{alice: 25, carol: 5}, bals)
	})

	t.Run("oracle overdraft", func(t *testing.T) {
		tr := ledger.Pay(oracle, carol, 100)
		tr.Postings[0].Overdraft = true
		require.NoError(t, l.Transfer(ctx, tr))

		bal, err := l.FetchAccountBalance(ctx, oracle)
		require.NoError(t, err)
		require.Equal(t, int64(-98), bal)
	})

	t.Run("unbalanced", func(t *testing.T) {
		tr := ledger.Pay(alice, bob, 1)
		tr.Postings[1].Delta = 2
		require.ErrorIs(t, l.Transfer(ctx, tr), ledger.ErrUnbalanced)
	})
}

func sorted(ids ...ledger.AccountID) []ledger.AccountID {
	ledger.SortIDs(ids)
	return ids
}
