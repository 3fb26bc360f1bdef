package trade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func countingTx(runs *atomic.Int32, ok bool, err error) Transaction {
	return func(context.Context) (bool, error) {
		runs.Add(1)
		return ok, err
	}
}

func addExecutors(t *testing.T, e *Event, names ...string) []*Handle {
	t.Helper()
	hs := make([]*Handle, len(names))
	for i, n := range names {
		h, err := e.AddExecutor(n)
		require.NoError(t, err)
		hs[i] = h
	}
	return hs
}

func TestUnanimousAdmitRunsTransactionOnce(t *testing.T) {
	ctx := testCtx(t)
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))
	hs := addExecutors(t, e, "a", "b", "c")
	require.False(t, e.Seal())

	results := make([]bool, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			ok, err := h.Admit(ctx)
			assert.NoError(t, err)
			results[i] = ok
		}(i, h)
	}
	wg.Wait()

	require.EqualValues(t, 1, runs.Load())
	require.Equal(t, []bool{true, true, true}, results)
	require.False(t, e.Cancelled())
	require.Nil(t, e.Rejection())
}

func TestFirstRejectionWins(t *testing.T) {
	ctx := testCtx(t)
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))
	hs := addExecutors(t, e, "a", "b", "c")
	e.Seal()

	pending := make(chan bool, 1)
	go func() {
		ok, err := hs[0].Admit(ctx)
		assert.NoError(t, err)
		pending <- ok
	}()

	want := &Rejection{Reason: "out of stock"}
	require.NoError(t, hs[1].Reject(want))
	require.Equal(t, "b", want.Executor)

	select {
	case ok := <-pending:
		require.False(t, ok)
	case <-ctx.Done():
		t.Fatal("pending admit never returned")
	}

	ok, err := hs[2].Admit(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.Same(t, want, e.Rejection())
	require.False(t, e.Cancel(&Rejection{Executor: "late", Reason: "again"}))
	require.Same(t, want, e.Rejection())
	require.Zero(t, runs.Load())
}

func TestHandleMisuse(t *testing.T) {
	ctx := testCtx(t)
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))
	hs := addExecutors(t, e, "a", "b")
	e.Seal()

	require.NoError(t, hs[1].Reject(&Rejection{Reason: "no"}))

	ok, err := hs[0].Admit(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = hs[0].Admit(ctx)
	require.ErrorIs(t, err, ErrHandleUsed)
	require.ErrorIs(t, hs[0].Reject(&Rejection{Reason: "late"}), ErrHandleUsed)
	require.ErrorIs(t, hs[1].Reject(&Rejection{Reason: "twice"}), ErrHandleUsed)
	require.Error(t, hs[0].Reject(nil))

	require.NoError(t, hs[0].Done())
	require.ErrorIs(t, hs[0].Done(), ErrHandleUsed)
}

func TestAddExecutorAfterDecision(t *testing.T) {
	ctx := testCtx(t)

	t.Run("admitted", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		h := addExecutors(t, e, "a")[0]
		e.Seal()
		ok, err := h.Admit(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = e.AddExecutor("late")
		require.ErrorIs(t, err, ErrEventDecided)
	})

	t.Run("rejected", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		addExecutors(t, e, "a")
		require.True(t, e.Cancel(&Rejection{Executor: "shop", Reason: "closed"}))

		_, err := e.AddExecutor("late")
		require.ErrorIs(t, err, ErrEventDecided)
	})

	t.Run("sealed empty", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		require.True(t, e.Seal())

		_, err := e.AddExecutor("late")
		require.ErrorIs(t, err, ErrEventDecided)
	})
}

func TestAdmitSurfacesTransactionError(t *testing.T) {
	ctx := testCtx(t)
	boom := errors.New("boom")
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, false, boom))
	hs := addExecutors(t, e, "a", "b")
	e.Seal()

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			ok, err := h.Admit(ctx)
			assert.ErrorIs(t, err, boom)
			assert.False(t, ok)
		}(h)
	}
	wg.Wait()
	require.EqualValues(t, 1, runs.Load())
}

// Without Seal nobody can be admitted.
func TestAdmitHonoursContext(t *testing.T) {
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))
	hs := addExecutors(t, e, "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := hs[0].Admit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ok)
	require.Zero(t, runs.Load())
}

func TestWaitDone(t *testing.T) {
	ctx := testCtx(t)

	t.Run("clean", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		var commits atomic.Int32
		for _, n := range []string{"a", "b"} {
			require.NoError(t, e.Go(ctx, n, nil, func(context.Context) error {
				commits.Add(1)
				return nil
			}, nil))
		}
		require.False(t, e.Seal())
		r, err := e.WaitDone(ctx)
		require.NoError(t, err)
		require.Nil(t, r)
		require.EqualValues(t, 2, commits.Load())
		require.EqualValues(t, 1, runs.Load())
		require.Equal(t, []string{"a", "b"}, e.Executors())
	})

	t.Run("rejected", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		_ = addExecutors(t, e, "stuck")
		want := &Rejection{Executor: "shop", Reason: "stop"}
		go e.Cancel(want)

		r, err := e.WaitDone(ctx)
		require.NoError(t, err)
		require.Same(t, want, r)
	})

	t.Run("timeout", func(t *testing.T) {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		_ = addExecutors(t, e, "stuck")

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := e.WaitDone(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestGoRollsBackWhenAnotherRejects(t *testing.T) {
	ctx := testCtx(t)
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))

	var committed, rolledBack atomic.Bool
	require.NoError(t, e.Go(ctx, "stock",
		nil,
		func(context.Context) error { committed.Store(true); return nil },
		func(context.Context) error { rolledBack.Store(true); return nil },
	))
	require.NoError(t, e.Go(ctx, "limits",
		func(context.Context) *Rejection { return &Rejection{Reason: "over limit"} },
		nil, nil,
	))
	e.Seal()

	require.NoError(t, e.completion.Wait(ctx))
	require.False(t, committed.Load())
	require.True(t, rolledBack.Load())
	require.Equal(t, "limits", e.Rejection().Executor)
	require.Zero(t, runs.Load())
}

func TestCancelAfterAdmissionIsIgnored(t *testing.T) {
	ctx := testCtx(t)
	var runs atomic.Int32
	e := NewEvent(Trade{}, countingTx(&runs, true, nil))
	h := addExecutors(t, e, "a")[0]
	require.False(t, e.Seal())

	ok, err := h.Admit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.False(t, e.Cancel(&Rejection{Executor: "late", Reason: "after commit"}))
	require.False(t, e.Cancelled())
	require.Nil(t, e.Rejection())

	require.NoError(t, h.Done())
	r, err := e.WaitDone(ctx)
	require.NoError(t, err)
	require.Nil(t, r)
	require.EqualValues(t, 1, runs.Load())
}

func TestAdmittersAgreeWhenCancelRaces(t *testing.T) {
	ctx := testCtx(t)
	for i := 0; i < 50; i++ {
		var runs atomic.Int32
		e := NewEvent(Trade{}, countingTx(&runs, true, nil))
		hs := addExecutors(t, e, "a", "b", "c")
		require.False(t, e.Seal())

		results := make([]bool, len(hs))
		var wg sync.WaitGroup
		for i, h := range hs {
			wg.Add(1)
			go func(i int, h *Handle) {
				defer wg.Done()
				ok, err := h.Admit(ctx)
				assert.NoError(t, err)
				results[i] = ok
			}(i, h)
		}
		cancelled := e.Cancel(&Rejection{Executor: "shop", Reason: "race"})
		wg.Wait()

		want := !cancelled
		require.Equal(t, []bool{want, want, want}, results)
		require.Equal(t, cancelled, e.Cancelled())
		if cancelled {
			require.Zero(t, runs.Load())
		} else {
			require.EqualValues(t, 1, runs.Load())
		}
	}
}
