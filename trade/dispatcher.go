package trade

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Listener is told about every event before it is decided. It joins the
// event through AddExecutor or Go; returning without joining means it has
// no stake in the trade.
type Listener func(ctx context.Context, e *Event) error

type subscription struct {
	id   uint64
	name string
	fn   Listener
}

// Dispatcher delivers events to its listeners synchronously, in
// subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Subscribe adds a listener. The returned func removes it again.
func (d *Dispatcher) Subscribe(name string, l Listener) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, name: name, fn: l})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch calls every listener, even after one fails, and returns all
// listener errors together.
func (d *Dispatcher) Dispatch(ctx context.Context, e *Event) error {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	var errs *multierror.Error
	for _, s := range subs {
		if err := s.fn(ctx, e); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("listener %s: %w", s.name, err))
		}
	}
	return errs.ErrorOrNil()
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
