package await

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

func TestWaitGroupReleasesEveryWaiterOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wg := NewWaitGroup()
	var released atomic.Int32
	var waiters sync.WaitGroup

	wait := func() {
		defer waiters.Done()
		assert.NoError(t, wg.Wait(ctx))
		released.Add(1)
	}

	// waiting before any add must block, not pass through a zero count
	waiters.Add(1)
	go wait()

	require.NoError(t, wg.Add(3))

	waiters.Add(1)
	go wait()

	require.NoError(t, wg.Done())
	require.NoError(t, wg.Done())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), released.Load(), "released before the last done")

	require.NoError(t, wg.Done())
	waiters.Wait()
	require.Equal(t, int32(2), released.Load())

	// closed: late waiters pass immediately
	require.NoError(t, wg.Wait(ctx))
	require.True(t, wg.Closed())

	require.ErrorIs(t, wg.Done(), ErrNegativeCount)
	require.ErrorIs(t, wg.Add(1), ErrClosed)
}

func TestWaitGroupWaitHonoursContext(t *testing.T) {
	wg := NewWaitGroup()
	require.NoError(t, wg.Add(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, wg.Wait(ctx), context.DeadlineExceeded)
}

func TestWaitGroupRejectsBadAdd(t *testing.T) {
	var wg WaitGroup
	require.Error(t, wg.Add(0))
	require.ErrorIs(t, wg.Done(), ErrNegativeCount)
}

func TestLoadingComputesOnce(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	l := NewLoading(func(context.Context) (int, error) {
		calls.Add(1)
		<-gate
		return 42, nil
	})

	require.Equal(t, -1, l.GetSync(-1), "not started")

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Get(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, -1, l.GetSync(-1), "in flight")
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 42, l.GetSync(-1))
}

func TestLoadingMemoizesFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	l := NewLoading(func(context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	})
	ctx := context.Background()
	_, err := l.Get(ctx)
	require.ErrorIs(t, err, boom)
	_, err = l.Get(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "def", l.GetSync("def"))
}

func TestLoadingSurvivesCancelledStarter(t *testing.T) {
	gate := make(chan struct{})
	l := NewLoading(func(ctx context.Context) (int, error) {
		<-gate
		return 7, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	v, err := l.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestPromiseFirstResolveWins(t *testing.T) {
	p := NewPromise[string]()
	_, ok := p.Peek()
	require.False(t, ok)

	require.True(t, p.Resolve("first"))
	require.False(t, p.Resolve("second"))

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", v)

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
