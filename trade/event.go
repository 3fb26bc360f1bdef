package trade

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/capital"
	"github.com/unkn0wn-root/capital/await"
)

// Event is one shop execution. Executors join with AddExecutor; the
// transaction runs once all of them admit, unless one rejects first.
type Event struct {
	trade Trade
	log   capital.Logger

	admission  *await.WaitGroup
	completion *await.WaitGroup
	rejection  *await.Promise[*Rejection]
	tx         *await.Loading[bool]

	mu        sync.Mutex
	executors []string
	sealed    bool
}

type EventOption func(*Event)

func WithLogger(l capital.Logger) EventOption {
	return func(e *Event) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEvent(t Trade, tx Transaction, opts ...EventOption) *Event {
	e := &Event{
		trade:      t,
		log:        capital.NopLogger{},
		admission:  await.NewWaitGroup(),
		completion: await.NewWaitGroup(),
		rejection:  await.NewPromise[*Rejection](),
		tx:         await.NewLoading(func(ctx context.Context) (bool, error) { return tx(ctx) }),
	}
	for _, o := range opts {
		o(e)
	}
	// registration seat, given back by Seal
	_ = e.admission.Add(1)
	return e
}

func (e *Event) Trade() Trade { return e.trade }

// Executors lists executor names in registration order.
func (e *Event) Executors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.executors)
}

// AddExecutor registers one more party that must admit before the
// transaction runs. It works until the event is decided, including after
// Seal while earlier executors are still pending.
func (e *Event) AddExecutor(name string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Cancelled() {
		return nil, ErrEventDecided
	}
	if err := e.admission.Add(1); err != nil {
		return nil, ErrEventDecided
	}
	if err := e.completion.Add(1); err != nil {
		_ = e.admission.Done()
		return nil, ErrEventDecided
	}
	e.executors = append(e.executors, name)
	return &Handle{e: e, name: name}, nil
}

// Cancel rejects the event from outside any executor. Only the first
// rejection sticks, and none sticks once every executor has admitted; it
// reports whether r was that one.
func (e *Event) Cancel(r *Rejection) bool {
	if r == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.admission.Closed() {
		return false
	}
	won := e.rejection.Resolve(r)
	if won {
		e.log.Debug("trade rejected", capital.Fields{"trade": e.trade.ID.String(), "by": r.Executor, "reason": r.Reason})
	}
	return won
}

// Rejection returns the winning rejection, or nil.
func (e *Event) Rejection() *Rejection {
	r, _ := e.rejection.Peek()
	return r
}

func (e *Event) Cancelled() bool {
	_, ok := e.rejection.Peek()
	return ok
}

// WaitDone blocks until either some executor rejected or every executor
// finished its commit or rollback. A nil rejection means a clean finish.
func (e *Event) WaitDone(ctx context.Context) (*Rejection, error) {
	select {
	case <-e.rejection.Done():
		return e.Rejection(), nil
	case <-e.completion.C():
		// a rejection always lands before its executor finishes
		return e.Rejection(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Seal ends the registration phase. No executor is admitted before Seal,
// so listeners can start executors while others are still joining. It
// reports whether nobody joined, in which case nobody will run the
// transaction and the caller has to.
func (e *Event) Seal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sealed {
		e.sealed = true
		_ = e.admission.Done()
	}
	return len(e.executors) == 0
}

// Hold decides whether an executor can take part. A nil Rejection admits.
type Hold func(ctx context.Context) *Rejection

// Action is a commit or rollback step.
type Action func(ctx context.Context) error

// Go registers an executor and runs it in its own goroutine: hold, then
// reject or admit, then commit or roll back, then Done. Nil funcs are
// skipped.
func (e *Event) Go(ctx context.Context, name string, hold Hold, commit, rollback Action) error {
	h, err := e.AddExecutor(name)
	if err != nil {
		return err
	}
	go h.run(ctx, hold, commit, rollback)
	return nil
}

// Handle is one executor's seat in an Event.
type Handle struct {
	e        *Event
	name     string
	used     atomic.Bool
	finished atomic.Bool
}

func (h *Handle) Name() string { return h.name }

// Admit marks this executor ready and waits for the event to be decided.
// It returns true only if every executor admitted and the transaction
// succeeded.
func (h *Handle) Admit(ctx context.Context) (bool, error) {
	if !h.used.CompareAndSwap(false, true) {
		return false, ErrHandleUsed
	}
	// admission closes under e.mu, so a rejection either lands before it
	// closes and every admitter sees it, or not at all
	h.e.mu.Lock()
	err := h.e.admission.Done()
	h.e.mu.Unlock()
	if err != nil {
		return false, err
	}
	select {
	case <-h.e.rejection.Done():
		return false, nil
	case <-h.e.admission.C():
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if h.e.Cancelled() {
		return false, nil
	}
	return h.e.tx.Get(ctx)
}

// Reject cancels the event with r unless it was already decided.
func (h *Handle) Reject(r *Rejection) error {
	if r == nil {
		return errors.New("trade: nil rejection")
	}
	if !h.used.CompareAndSwap(false, true) {
		return ErrHandleUsed
	}
	if r.Executor == "" {
		r.Executor = h.name
	}
	h.e.Cancel(r)
	return nil
}

// Done reports that this executor's commit or rollback work is finished.
func (h *Handle) Done() error {
	if !h.finished.CompareAndSwap(false, true) {
		return ErrHandleUsed
	}
	return h.e.completion.Done()
}

func (h *Handle) run(ctx context.Context, hold Hold, commit, rollback Action) {
	log := h.e.log
	fields := func(extra capital.Fields) capital.Fields {
		f := capital.Fields{"trade": h.e.trade.ID.String(), "executor": h.name}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}
	defer func() {
		if err := h.Done(); err != nil {
			log.Error("executor finish failed", fields(capital.Fields{"err": err}))
		}
	}()

	if hold != nil {
		if r := hold(ctx); r != nil {
			if err := h.Reject(r); err != nil {
				log.Error("executor reject failed", fields(capital.Fields{"err": err}))
			}
			return
		}
	}

	ok, err := h.Admit(ctx)
	if err != nil {
		log.Warn("executor admission failed", fields(capital.Fields{"err": err}))
	}
	step, stepName := rollback, "rollback"
	if ok {
		step, stepName = commit, "commit"
	}
	if step == nil {
		return
	}
	if err := step(ctx); err != nil {
		log.Error("executor "+stepName+" failed", fields(capital.Fields{"err": err}))
	}
}
