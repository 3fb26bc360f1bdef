package await

import (
	"context"
	"sync"
)

// Loading is a lazily computed value. The first Get starts the computation;
// every caller, concurrent or later, observes the same value and error.
// Failures are memoized as well.
type Loading[T any] struct {
	fn   func(context.Context) (T, error)
	once sync.Once
	done chan struct{}

	val T
	err error
}

func NewLoading[T any](fn func(context.Context) (T, error)) *Loading[T] {
	return &Loading[T]{fn: fn, done: make(chan struct{})}
}

// Get starts the computation if needed and waits for its result.
// The computation does not inherit ctx cancellation: a caller giving up does
// not abort the work other callers share.
func (l *Loading[T]) Get(ctx context.Context) (T, error) {
	l.once.Do(func() {
		go l.run(context.WithoutCancel(ctx))
	})
	select {
	case <-l.done:
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (l *Loading[T]) run(ctx context.Context) {
	defer close(l.done)
	l.val, l.err = l.fn(ctx)
}

// GetSync returns the value if it is already resolved without error, def
// otherwise. It never starts the computation and never blocks.
func (l *Loading[T]) GetSync(def T) T {
	select {
	case <-l.done:
		if l.err != nil {
			return def
		}
		return l.val
	default:
		return def
	}
}

// Done is closed once the computation has finished.
func (l *Loading[T]) Done() <-chan struct{} { return l.done }
