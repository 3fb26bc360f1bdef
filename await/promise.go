package await

import (
	"context"
	"sync"
)

// Promise is a write-once cell. The first Resolve wins; later ones are
// ignored.
type Promise[T any] struct {
	mu       sync.Mutex
	val      T
	resolved bool
	ch       chan struct{}
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{ch: make(chan struct{})}
}

// Resolve stores v if nothing was stored yet and reports whether it won.
func (p *Promise[T]) Resolve(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.val = v
	p.resolved = true
	close(p.ch)
	return true
}

func (p *Promise[T]) Peek() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.resolved
}

func (p *Promise[T]) Done() <-chan struct{} { return p.ch }

func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.ch:
		v, _ := p.Peek()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
