package capital

import (
	"fmt"
	"time"

	"github.com/unkn0wn-root/capital/ledger"
)

const (
	defaultRefreshInterval  = 5 * time.Second
	defaultFetchConcurrency = 8
)

// Options tune the cache.
// Only Backend is required; others have sensible defaults.
type Options struct {
	// Required
	Backend ledger.Backend

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// Background cycle period per instance; 0 => 5s.
	SelectorRefresh time.Duration
	BalanceRefresh  time.Duration
	LabelRefresh    time.Duration

	// Max concurrent selector lookups during a bulk selector refresh; 0 => 8.
	FetchConcurrency int
}

// New builds a Cache. Background refresh does not run until Start.
func New(opts Options) (*Cache, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("capital: backend is required")
	}
	return newCache(opts), nil
}
