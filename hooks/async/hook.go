// Package asynchook runs capital.Hooks on a bounded worker queue so slow
// implementations never stall a cache cycle or a query.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CycleEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := capital.New(capital.Options{Backend: store, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/capital"
)

type Hooks struct {
	inner   capital.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ capital.Hooks = (*Hooks)(nil)

func New(inner capital.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = capital.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close
// are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed Hooks.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) CycleCompleted(inst string, evicted, refreshed int) {
	h.try(func() { h.inner.CycleCompleted(inst, evicted, refreshed) })
}
func (h *Hooks) RefreshFailed(inst string, err error) {
	h.try(func() { h.inner.RefreshFailed(inst, err) })
}
func (h *Hooks) HandleLeaked(sel string) { h.try(func() { h.inner.HandleLeaked(sel) }) }
func (h *Hooks) QueryFailed(sel string, err error) {
	h.try(func() { h.inner.QueryFailed(sel, err) })
}
