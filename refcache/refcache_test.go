package refcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeType serves values from a map and records every hook call.
type fakeType struct {
	mu      sync.Mutex
	data    map[string]int
	fetches atomic.Int32
	bulks   atomic.Int32

	// when set, fetches block until they are closed
	gate      chan struct{}
	bulkGate  chan struct{}
	bulkStart chan struct{}
	bulkErr   error

	refreshed []string
	freed     []string
}

func newFakeType(data map[string]int) *fakeType { return &fakeType{data: data} }

func (f *fakeType) Key(k string) string { return k }

func (f *fakeType) FetchEntry(_ context.Context, k string) (int, error) {
	f.fetches.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[k]
	if !ok {
		return 0, errors.New("no such key")
	}
	return v, nil
}

func (f *fakeType) FetchEntries(_ context.Context, ks []string) (map[string]int, error) {
	f.bulks.Add(1)
	if f.bulkStart != nil {
		f.bulkStart <- struct{}{}
	}
	if f.bulkGate != nil {
		<-f.bulkGate
	}
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(ks))
	for _, k := range ks {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeType) OnEntryRefresh(_ context.Context, k string, _, _ int) error {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, k)
	f.mu.Unlock()
	return nil
}

func (f *fakeType) OnEntryFree(_ context.Context, k string, _ int) error {
	f.mu.Lock()
	f.freed = append(f.freed, k)
	f.mu.Unlock()
	return nil
}

func (f *fakeType) set(k string, v int) {
	f.mu.Lock()
	f.data[k] = v
	f.mu.Unlock()
}

func (f *fakeType) freedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.freed...)
}

func mustRefs(t *testing.T, c *Instance[string, int], k string, want int) {
	t.Helper()
	got, ok := c.Refs(k)
	if !ok {
		t.Fatalf("%q not resident", k)
	}
	if got != want {
		t.Fatalf("refs(%q) = %d, want %d", k, got, want)
	}
}

func TestFetchResidentKeyOnlyCounts(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1})
	c := New[string, int]("test", ft)

	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if got := ft.fetches.Load(); got != 1 {
		t.Fatalf("FetchEntry calls = %d, want 1", got)
	}
	mustRefs(t, c, "a", 2)

	v, err := c.Get("a")
	if err != nil || v != 1 {
		t.Fatalf("Get = %d, %v", v, err)
	}
}

func TestRefcountNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	c := New[string, int]("test", newFakeType(map[string]int{"a": 1}))

	const fetches = 5
	for i := 0; i < fetches; i++ {
		if err := c.Fetch(ctx, "a"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= fetches; i++ {
		if err := c.Free("a"); err != nil {
			t.Fatalf("free #%d: %v", i, err)
		}
		mustRefs(t, c, "a", fetches-i)
	}
	if err := c.Free("a"); !errors.Is(err, ErrNotReferenced) {
		t.Fatalf("over-free: want ErrNotReferenced, got %v", err)
	}
	if err := c.Free("never"); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("free unknown: want ErrNotFetched, got %v", err)
	}
}

func TestConcurrentFirstFetchesShareOneCall(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1})
	ft.gate = make(chan struct{})
	c := New[string, int]("test", ft)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Fetch(ctx, "a")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(ft.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if got := ft.fetches.Load(); got != 1 {
		t.Fatalf("FetchEntry calls = %d, want 1", got)
	}
	mustRefs(t, c, "a", n)
}

func TestFetchErrorLeavesNothingBehind(t *testing.T) {
	c := New[string, int]("test", newFakeType(map[string]int{}))
	if err := c.Fetch(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error")
	}
	if c.Len() != 0 {
		t.Fatalf("failed fetch left %d entries", c.Len())
	}
	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("Get: want ErrNotFetched, got %v", err)
	}
}

func TestRecycleEvictsUnreferenced(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1, "b": 2})
	c := New[string, int]("test", ft)

	for _, k := range []string{"a", "b"} {
		if err := c.Fetch(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Free("a"); err != nil {
		t.Fatal(err)
	}

	n, err := c.Recycle(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recycle = %d, %v; want 1, nil", n, err)
	}
	if got := ft.freedKeys(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("OnEntryFree calls = %v, want [a]", got)
	}
	if _, err := c.Get("a"); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("Get after recycle: want ErrNotFetched, got %v", err)
	}
	mustRefs(t, c, "b", 1)

	// a second sweep has nothing to do
	if n, _ := c.Recycle(ctx); n != 0 {
		t.Fatalf("second Recycle evicted %d", n)
	}
	if got := ft.freedKeys(); len(got) != 1 {
		t.Fatalf("OnEntryFree ran again: %v", got)
	}
}

func TestFreedButResidentKeyIsReusedWithoutFetch(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1})
	c := New[string, int]("test", ft)

	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Free("a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got := ft.fetches.Load(); got != 1 {
		t.Fatalf("FetchEntry calls = %d, want 1", got)
	}
	if n, _ := c.Recycle(ctx); n != 0 {
		t.Fatalf("re-referenced key was evicted")
	}
}

func TestRefreshSwapsValues(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1, "b": 2})
	c := New[string, int]("test", ft)

	if err := c.FetchMany(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	ft.set("a", 10)
	ft.set("b", 20)

	n, err := c.Refresh(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Refresh = %d, %v", n, err)
	}
	for k, want := range map[string]int{"a": 10, "b": 20} {
		if v, _ := c.Get(k); v != want {
			t.Fatalf("%s = %d, want %d", k, v, want)
		}
	}
	if len(ft.refreshed) != 2 {
		t.Fatalf("OnEntryRefresh calls = %v", ft.refreshed)
	}
}

func TestRefreshFailureKeepsOldValues(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1})
	c := New[string, int]("test", ft)
	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	ft.set("a", 2)
	ft.bulkErr = errors.New("backend down")

	if _, err := c.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if v, _ := c.Get("a"); v != 1 {
		t.Fatalf("value changed to %d after failed refresh", v)
	}
}

func TestRefreshToleratesRecycleDuringFetch(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1, "b": 2})
	c := New[string, int]("test", ft)
	if err := c.FetchMany(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	ft.bulkStart = make(chan struct{})
	ft.bulkGate = make(chan struct{})
	ft.set("a", 10)
	ft.set("b", 20)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		done <- err
	}()

	<-ft.bulkStart
	// drop "a" while the bulk fetch is in flight
	if err := c.Free("a"); err != nil {
		t.Fatal(err)
	}
	if n, err := c.Recycle(ctx); err != nil || n != 1 {
		t.Fatalf("Recycle = %d, %v", n, err)
	}
	// and insert "c", which the refresh never asked for
	ft.set("c", 3)
	if err := c.Fetch(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	close(ft.bulkGate)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := c.Get("a"); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("recycled key came back: %v", err)
	}
	if v, _ := c.Get("b"); v != 20 {
		t.Fatalf("b = %d, want 20", v)
	}
	if v, _ := c.Get("c"); v != 3 {
		t.Fatalf("c = %d, want 3", v)
	}
	// "a" was freed once by Recycle and its refreshed value once more
	freed := ft.freedKeys()
	if len(freed) != 2 || freed[0] != "a" || freed[1] != "a" {
		t.Fatalf("OnEntryFree calls = %v", freed)
	}
}

func TestFetchManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ft := newFakeType(map[string]int{"a": 1, "b": 2})
	c := New[string, int]("test", ft)

	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	err := c.FetchMany(ctx, []string{"a", "b", "ghost"})
	if !errors.Is(err, ErrMissingValue) {
		t.Fatalf("want ErrMissingValue, got %v", err)
	}
	mustRefs(t, c, "a", 1)
	if _, ok := c.Refs("b"); ok {
		t.Fatalf("b stored by a failed FetchMany")
	}
	if got := ft.freedKeys(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("fetched-but-unstored values not released: %v", got)
	}

	if err := c.FetchMany(ctx, []string{"a", "b", "b"}); err != nil {
		t.Fatal(err)
	}
	mustRefs(t, c, "a", 2)
	mustRefs(t, c, "b", 2)
	if got := ft.bulks.Load(); got != 2 {
		t.Fatalf("FetchEntries calls = %d, want 2", got)
	}
}

func TestRefreshLoopReportsCycles(t *testing.T) {
	ft := newFakeType(map[string]int{"a": 1, "b": 2})
	c := New[string, int]("loop", ft)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.FetchMany(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Free("b"); err != nil {
		t.Fatal(err)
	}
	ft.set("a", 5)

	reports := make(chan Report, 16)
	go c.RefreshLoop(ctx, 5*time.Millisecond, func(r Report) { reports <- r })

	select {
	case r := <-reports:
		if r.Instance != "loop" || r.Evicted != 1 || r.Refreshed != 1 || r.Err != nil {
			t.Fatalf("first report = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
	}
	cancel()
	if v, _ := c.Get("a"); v != 5 {
		t.Fatalf("a = %d, want 5", v)
	}
}

func TestSharedFetchOutlivesStartingCaller(t *testing.T) {
	ft := newFakeType(map[string]int{"a": 1})
	ft.gate = make(chan struct{})
	c := New[string, int]("test", ft)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() { leaderErr <- c.Fetch(leaderCtx, "a") }()
	for ft.fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	followerErr := make(chan error, 1)
	go func() { followerErr <- c.Fetch(context.Background(), "a") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: want context.Canceled, got %v", err)
	}
	close(ft.gate)
	if err := <-followerErr; err != nil {
		t.Fatalf("waiting caller failed with the other caller's cancellation: %v", err)
	}
	if got := ft.fetches.Load(); got != 1 {
		t.Fatalf("FetchEntry calls = %d, want 1", got)
	}
	mustRefs(t, c, "a", 1)
}

func TestPinIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := New[string, int]("test", newFakeType(map[string]int{"a": 1, "b": 2}))
	if err := c.Fetch(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Pin([]string{"a", "b"}); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("Pin with a missing key: want ErrNotFetched, got %v", err)
	}
	mustRefs(t, c, "a", 1)

	unpin, err := c.Pin([]string{"a", "a"})
	if err != nil {
		t.Fatal(err)
	}
	mustRefs(t, c, "a", 3)
	if err := c.Free("a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Recycle(ctx); n != 0 {
		t.Fatalf("Recycle evicted %d pinned entries", n)
	}
	unpin()
	unpin()
	mustRefs(t, c, "a", 0)
}
