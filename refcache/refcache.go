// Package refcache implements a reference-counted read-through cache.
//
// An Instance maps serialized keys to values fetched through a Type. Callers
// take a reference with Fetch (or FetchMany) and give it back with Free.
// Entries whose count drops to zero stay resident until the next Recycle,
// which evicts them and runs Type.OnEntryFree. Refresh re-fetches every
// resident key in one bulk call and swaps values as a whole.
//
// Ownership rule: a value produced by the Type belongs to whoever holds it.
// A stored value is released through OnEntryRefresh (as old) or OnEntryFree;
// a fetched value the instance cannot store is released through OnEntryFree
// right away. Types whose values pin other resources rely on this to keep
// their counts exact.
package refcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFetched    = errors.New("refcache: key was never fetched")
	ErrNotReferenced = errors.New("refcache: key has no references")
	ErrMissingValue  = errors.New("refcache: bulk fetch returned no value")
)

// Type tells an Instance how to serialize keys and fetch values, and what to
// do when values are replaced or dropped.
type Type[K, V any] interface {
	// Key returns a string unique to k.
	Key(k K) string
	FetchEntry(ctx context.Context, k K) (V, error)
	// FetchEntries returns values keyed by Key. Keys may be omitted; an
	// omitted key keeps its old value on Refresh and fails FetchMany.
	// Keys that were not requested must not be returned.
	FetchEntries(ctx context.Context, ks []K) (map[string]V, error)
	// OnEntryRefresh runs after old was replaced by new.
	OnEntryRefresh(ctx context.Context, k K, old, new V) error
	// OnEntryFree runs once v has left the instance.
	OnEntryFree(ctx context.Context, k K, v V) error
}

type entry[K, V any] struct {
	key   K
	value V
	refs  int
}

// Report summarizes one RefreshLoop cycle.
type Report struct {
	Instance  string
	Evicted   int
	Refreshed int
	Err       error
}

type Option func(*options)

type options struct {
	onError func(error)
}

// WithErrorHandler receives errors that have no caller to return to, such as
// a failed release of a value fetched twice by racing callers.
func WithErrorHandler(f func(error)) Option {
	return func(o *options) { o.onError = f }
}

type Instance[K, V any] struct {
	name string
	typ  Type[K, V]
	opts options

	mu      sync.Mutex
	entries map[string]*entry[K, V]

	flight singleflight.Group

	// maint serializes the apply phase of Refresh with Recycle so refresh
	// hooks and free hooks never run against the same entry at once.
	maint sync.Mutex
}

func New[K, V any](name string, typ Type[K, V], opts ...Option) *Instance[K, V] {
	c := &Instance[K, V]{
		name:    name,
		typ:     typ,
		entries: make(map[string]*entry[K, V]),
	}
	for _, o := range opts {
		o(&c.opts)
	}
	if c.opts.onError == nil {
		c.opts.onError = func(error) {}
	}
	return c
}

func (c *Instance[K, V]) Name() string { return c.name }

// acquire bumps the count of a resident key.
func (c *Instance[K, V]) acquire(sk string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sk]
	if !ok {
		return false
	}
	e.refs++
	return true
}

// Fetch takes a reference on k, fetching it if it is not resident.
// Concurrent first fetches of one key share a single FetchEntry call. The
// shared call ignores the cancellation of whichever caller started it; ctx
// only bounds how long this caller waits.
func (c *Instance[K, V]) Fetch(ctx context.Context, k K) error {
	sk := c.typ.Key(k)
	for {
		if c.acquire(sk) {
			return nil
		}
		ch := c.flight.DoChan(sk, func() (any, error) {
			fctx := context.WithoutCancel(ctx)
			v, err := c.typ.FetchEntry(fctx, k)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			if _, ok := c.entries[sk]; ok {
				// FetchMany got there first
				c.mu.Unlock()
				c.discard(fctx, k, v)
				return nil, nil
			}
			// unreferenced until a waiter acquires it
			c.entries[sk] = &entry[K, V]{key: k, value: v}
			c.mu.Unlock()
			return nil, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return fmt.Errorf("refcache %s: fetch %q: %w", c.name, sk, res.Err)
			}
		case <-ctx.Done():
			return fmt.Errorf("refcache %s: fetch %q: %w", c.name, sk, ctx.Err())
		}
		// the entry is resident now unless a Recycle already took it back;
		// either way the next pass settles it
	}
}

// FetchMany takes one reference per element of ks. Missing keys are fetched
// with a single FetchEntries call. Either every reference is taken or none.
func (c *Instance[K, V]) FetchMany(ctx context.Context, ks []K) error {
	if len(ks) == 0 {
		return nil
	}
	var held []string
	counts := make(map[string]int)
	var missing []K

	c.mu.Lock()
	for _, k := range ks {
		sk := c.typ.Key(k)
		if e, ok := c.entries[sk]; ok {
			e.refs++
			held = append(held, sk)
			continue
		}
		if counts[sk] == 0 {
			missing = append(missing, k)
		}
		counts[sk]++
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	vals, err := c.typ.FetchEntries(ctx, missing)
	if err == nil {
		for _, k := range missing {
			if _, ok := vals[c.typ.Key(k)]; !ok {
				err = fmt.Errorf("%w for %q", ErrMissingValue, c.typ.Key(k))
				break
			}
		}
		if err != nil {
			for _, k := range missing {
				if v, ok := vals[c.typ.Key(k)]; ok {
					c.discard(ctx, k, v)
				}
			}
		}
	}
	if err != nil {
		c.release(held)
		return fmt.Errorf("refcache %s: fetch many: %w", c.name, err)
	}

	type dropped struct {
		k K
		v V
	}
	var drop []dropped
	c.mu.Lock()
	for _, k := range missing {
		sk := c.typ.Key(k)
		v := vals[sk]
		if e, ok := c.entries[sk]; ok {
			e.refs += counts[sk]
			drop = append(drop, dropped{k, v})
			continue
		}
		c.entries[sk] = &entry[K, V]{key: k, value: v, refs: counts[sk]}
	}
	c.mu.Unlock()

	for _, d := range drop {
		c.discard(ctx, d.k, d.v)
	}
	return nil
}

// release undoes acquire for keys this instance just took.
func (c *Instance[K, V]) release(sks []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sk := range sks {
		if e, ok := c.entries[sk]; ok && e.refs > 0 {
			e.refs--
		}
	}
}

// discard releases a fetched value the instance did not store.
func (c *Instance[K, V]) discard(ctx context.Context, k K, v V) {
	if err := c.typ.OnEntryFree(ctx, k, v); err != nil {
		c.opts.onError(fmt.Errorf("refcache %s: release duplicate %q: %w", c.name, c.typ.Key(k), err))
	}
}

// Get returns the value of a key the caller already fetched.
func (c *Instance[K, V]) Get(k K) (V, error) {
	sk := c.typ.Key(k)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sk]
	if !ok {
		var zero V
		return zero, fmt.Errorf("refcache %s: %w: %q", c.name, ErrNotFetched, sk)
	}
	return e.value, nil
}

// Free gives back one reference on k.
func (c *Instance[K, V]) Free(k K) error {
	sk := c.typ.Key(k)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sk]
	if !ok {
		return fmt.Errorf("refcache %s: free: %w: %q", c.name, ErrNotFetched, sk)
	}
	if e.refs == 0 {
		return fmt.Errorf("refcache %s: free: %w: %q", c.name, ErrNotReferenced, sk)
	}
	e.refs--
	return nil
}

// Pin takes one reference per element of ks without any I/O. It fails with
// ErrNotFetched, taking nothing, if a key is not resident. unpin gives the
// references back and is safe to call more than once.
func (c *Instance[K, V]) Pin(ks []K) (unpin func(), err error) {
	sks := make([]string, len(ks))
	for i, k := range ks {
		sks[i] = c.typ.Key(k)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sk := range sks {
		if _, ok := c.entries[sk]; !ok {
			return nil, fmt.Errorf("refcache %s: pin: %w: %q", c.name, ErrNotFetched, sk)
		}
	}
	for _, sk := range sks {
		c.entries[sk].refs++
	}
	var once sync.Once
	return func() { once.Do(func() { c.release(sks) }) }, nil
}

// Refs returns the reference count of k and whether it is resident.
func (c *Instance[K, V]) Refs(k K) (int, bool) {
	sk := c.typ.Key(k)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sk]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

// Len returns the number of resident entries, referenced or not.
func (c *Instance[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Recycle evicts every entry without references and runs OnEntryFree for
// each of them concurrently. It returns the number of evicted entries and
// every hook error.
func (c *Instance[K, V]) Recycle(ctx context.Context) (int, error) {
	c.maint.Lock()
	defer c.maint.Unlock()

	var freed []*entry[K, V]
	c.mu.Lock()
	for sk, e := range c.entries {
		if e.refs == 0 {
			delete(c.entries, sk)
			freed = append(freed, e)
		}
	}
	c.mu.Unlock()

	var g multierror.Group
	for _, e := range freed {
		e := e
		g.Go(func() error {
			if err := c.typ.OnEntryFree(ctx, e.key, e.value); err != nil {
				return fmt.Errorf("refcache %s: free hook %q: %w", c.name, c.typ.Key(e.key), err)
			}
			return nil
		})
	}
	return len(freed), g.Wait().ErrorOrNil()
}

// Refresh re-fetches every resident key with one FetchEntries call and swaps
// in the new values. If the bulk fetch fails nothing changes. Keys recycled
// while the fetch was in flight are skipped; keys inserted meanwhile are left
// alone. It returns the number of refreshed entries and every hook error.
func (c *Instance[K, V]) Refresh(ctx context.Context) (int, error) {
	c.mu.Lock()
	snap := make(map[string]*entry[K, V], len(c.entries))
	keys := make([]K, 0, len(c.entries))
	for sk, e := range c.entries {
		snap[sk] = e
		keys = append(keys, e.key)
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return 0, nil
	}

	vals, err := c.typ.FetchEntries(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("refcache %s: refresh %d keys: %w", c.name, len(keys), err)
	}

	c.maint.Lock()
	defer c.maint.Unlock()

	type change struct {
		key      K
		old, new V
	}
	var changed, stale []change

	c.mu.Lock()
	for sk, v := range vals {
		was, requested := snap[sk]
		if !requested {
			continue
		}
		e, ok := c.entries[sk]
		if !ok || e != was {
			stale = append(stale, change{key: was.key, new: v})
			continue
		}
		changed = append(changed, change{key: e.key, old: e.value, new: v})
		e.value = v
	}
	c.mu.Unlock()

	var g multierror.Group
	for _, ch := range changed {
		ch := ch
		g.Go(func() error {
			if err := c.typ.OnEntryRefresh(ctx, ch.key, ch.old, ch.new); err != nil {
				return fmt.Errorf("refcache %s: refresh hook %q: %w", c.name, c.typ.Key(ch.key), err)
			}
			return nil
		})
	}
	for _, ch := range stale {
		ch := ch
		g.Go(func() error {
			if err := c.typ.OnEntryFree(ctx, ch.key, ch.new); err != nil {
				return fmt.Errorf("refcache %s: release recycled %q: %w", c.name, c.typ.Key(ch.key), err)
			}
			return nil
		})
	}
	return len(changed), g.Wait().ErrorOrNil()
}

// RefreshLoop waits interval, recycles, refreshes, and repeats until ctx is
// done. Every cycle is passed to report when it is not nil.
func (c *Instance[K, V]) RefreshLoop(ctx context.Context, interval time.Duration, report func(Report)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r := Report{Instance: c.name}
			var errs error
			n, err := c.Recycle(ctx)
			r.Evicted = n
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			n, err = c.Refresh(ctx)
			r.Refreshed = n
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			r.Err = errs
			if report != nil {
				report(r)
			}
		}
	}
}
