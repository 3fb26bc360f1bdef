// Package await holds the small coordination primitives the cache and the
// trade admission protocol are built on: a closing WaitGroup, a memoized
// Loading value and a first-wins Promise.
//
// None of them carry timeouts. Bound any wait with the context passed to it.
package await

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrClosed        = errors.New("await: wait group already closed")
	ErrNegativeCount = errors.New("await: wait group count below zero")
)

// WaitGroup is a counter that closes for good the first time Done brings it
// back to zero. Unlike sync.WaitGroup, waiters that arrive before any Add
// keep waiting, Add after close is an error, and waiting is cancellable.
//
// The zero value is ready to use.
type WaitGroup struct {
	mu     sync.Mutex
	count  int
	closed bool
	ch     chan struct{}
}

func NewWaitGroup() *WaitGroup { return &WaitGroup{} }

// chLocked lazily creates the close channel. mu must be held.
func (w *WaitGroup) chLocked() chan struct{} {
	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

// Add raises the outstanding count by n.
func (w *WaitGroup) Add(n int) error {
	if n <= 0 {
		return fmt.Errorf("await: invalid add %d", n)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.count += n
	return nil
}

// Done lowers the outstanding count by one and closes the group at zero.
func (w *WaitGroup) Done() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.count == 0 {
		return ErrNegativeCount
	}
	w.count--
	if w.count == 0 {
		w.closed = true
		close(w.chLocked())
	}
	return nil
}

// C returns a channel closed when the group closes.
func (w *WaitGroup) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chLocked()
}

// Wait blocks until the group closes or ctx is done.
func (w *WaitGroup) Wait(ctx context.Context) error {
	select {
	case <-w.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WaitGroup) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *WaitGroup) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
