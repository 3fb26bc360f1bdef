package capital

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/unkn0wn-root/capital/ledger"
	"github.com/unkn0wn-root/capital/refcache"
)

const (
	instSelectors = "selectors"
	instBalances  = "balances"
	instLabels    = "labels"
)

// Cache is the facade over the selector, balance and label caches. It is
// the only code that takes or gives back references on balances and labels.
type Cache struct {
	log   Logger
	hooks Hooks

	selectors *selectorCache
	balances  *balanceCache
	labels    *labelCache

	selectorEvery time.Duration
	balanceEvery  time.Duration
	labelEvery    time.Duration

	// background loops
	mu        sync.Mutex
	started   bool
	closed    bool
	stop      context.CancelFunc
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

// Stats is a point-in-time view of resident entries per instance.
type Stats struct {
	Selectors int
	Balances  int
	Labels    int
}

func newCache(opts Options) *Cache {
	c := &Cache{}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.selectorEvery = positive(opts.SelectorRefresh, defaultRefreshInterval)
	c.balanceEvery = positive(opts.BalanceRefresh, defaultRefreshInterval)
	c.labelEvery = positive(opts.LabelRefresh, defaultRefreshInterval)
	concurrency := coalesce(opts.FetchConcurrency, defaultFetchConcurrency)

	onErr := func(inst string) refcache.Option {
		return refcache.WithErrorHandler(func(err error) {
			c.log.Error("cache release failed", Fields{"instance": inst, "err": err})
		})
	}
	releaseFailed := func(err error) {
		c.log.Error("selector member release failed", Fields{"err": err})
	}
	c.balances = refcache.New[ledger.AccountID, int64](instBalances, balanceType{opts.Backend}, onErr(instBalances))
	c.labels = refcache.New[ledger.AccountID, ledger.Labels](instLabels, labelType{opts.Backend}, onErr(instLabels))
	c.selectors = refcache.New[ledger.Selector, []ledger.AccountID](instSelectors, &selectorType{
		b:           opts.Backend,
		balances:    c.balances,
		labels:      c.labels,
		concurrency: concurrency,
		onError:     releaseFailed,
	}, onErr(instSelectors))
	return c
}

// Query leases the accounts matching sel. The returned Handle must be
// released exactly once.
func (c *Cache) Query(ctx context.Context, sel ledger.Selector) (*Handle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := c.selectors.Fetch(ctx, sel); err != nil {
		c.hooks.QueryFailed(sel.Key(), err)
		c.log.Debug("query failed", Fields{"selector": sel.String(), "err": err})
		return nil, err
	}
	return newHandle(c, sel), nil
}

// Refresh runs one full cycle in dependency order: selectors first so their
// new members are resident, then balances and labels, then eviction from the
// top down so freed selectors release their members before those are swept.
func (c *Cache) Refresh(ctx context.Context) error {
	var errs *multierror.Error

	if _, err := c.selectors.Refresh(ctx); err != nil {
		errs = multierror.Append(errs, &RefreshError{Instance: instSelectors, Op: "refresh", Err: err})
	}

	var g multierror.Group
	g.Go(func() error {
		if _, err := c.balances.Refresh(ctx); err != nil {
			return &RefreshError{Instance: instBalances, Op: "refresh", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if _, err := c.labels.Refresh(ctx); err != nil {
			return &RefreshError{Instance: instLabels, Op: "refresh", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err.Errors...)
	}

	if _, err := c.selectors.Recycle(ctx); err != nil {
		errs = multierror.Append(errs, &RefreshError{Instance: instSelectors, Op: "recycle", Err: err})
	}
	if _, err := c.balances.Recycle(ctx); err != nil {
		errs = multierror.Append(errs, &RefreshError{Instance: instBalances, Op: "recycle", Err: err})
	}
	if _, err := c.labels.Recycle(ctx); err != nil {
		errs = multierror.Append(errs, &RefreshError{Instance: instLabels, Op: "recycle", Err: err})
	}
	return errs.ErrorOrNil()
}

// Start launches one refresh loop per instance. Calling it again is a no-op.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.closeWg.Add(3)
	go func() {
		defer c.closeWg.Done()
		c.selectors.RefreshLoop(ctx, c.selectorEvery, c.report)
	}()
	go func() {
		defer c.closeWg.Done()
		c.balances.RefreshLoop(ctx, c.balanceEvery, c.report)
	}()
	go func() {
		defer c.closeWg.Done()
		c.labels.RefreshLoop(ctx, c.labelEvery, c.report)
	}()
	c.log.Info("cache refresh loops started", Fields{
		"selectors": c.selectorEvery.String(),
		"balances":  c.balanceEvery.String(),
		"labels":    c.labelEvery.String(),
	})
}

func (c *Cache) report(r refcache.Report) {
	if r.Err != nil {
		c.hooks.RefreshFailed(r.Instance, r.Err)
		c.log.Warn("cache cycle failed", Fields{"instance": r.Instance, "err": r.Err})
	}
	c.hooks.CycleCompleted(r.Instance, r.Evicted, r.Refreshed)
	if r.Evicted > 0 {
		c.log.Debug("cache cycle evicted entries", Fields{"instance": r.Instance, "evicted": r.Evicted})
	}
}

// Close stops the refresh loops and waits for them, or for ctx.
// Outstanding handles stay readable; new queries fail with ErrClosed.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stop := c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	done := make(chan struct{})
	go func() {
		c.closeWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) Stats() Stats {
	return Stats{
		Selectors: c.selectors.Len(),
		Balances:  c.balances.Len(),
		Labels:    c.labels.Len(),
	}
}
