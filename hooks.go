package capital

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow ones with
// hooks/async.
type Hooks interface {
	// A background cycle finished for one cache instance
	// ("selectors", "balances" or "labels").
	CycleCompleted(instance string, evicted, refreshed int)

	// Refresh or recycle failed. Entries keep their previous values.
	RefreshFailed(instance string, err error)

	// A Handle was garbage collected without Release.
	HandleLeaked(selector string)

	// Query could not resolve a selector.
	QueryFailed(selector string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CycleCompleted(string, int, int) {}
func (NopHooks) RefreshFailed(string, error)     {}
func (NopHooks) HandleLeaked(string)             {}
func (NopHooks) QueryFailed(string, error)       {}
