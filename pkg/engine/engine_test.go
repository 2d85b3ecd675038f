package engine

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sievert/avatarcache/pkg/imaging"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/store"
)

// fakeResolver maps identities to URLs from a fixed table.
type fakeResolver struct {
	mu    sync.Mutex
	urls  map[int64]string
	err   error
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, identity int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	u, ok := r.urls[identity]
	if !ok {
		return "", resolver.ErrUnknownIdentity
	}
	return u, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeSource serves synthetic image bytes and tracks fetch concurrency.
// When gate is set, every fetch blocks until the channel is closed.
type fakeSource struct {
	mu          sync.Mutex
	gate        chan struct{}
	fail        bool
	inflight    int
	maxInflight int
	counts      map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{counts: make(map[string]int)}
}

func (f *fakeSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.counts[rawURL]++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("connection refused")
	}
	return io.NopCloser(strings.NewReader("img:" + rawURL)), nil
}

func (f *fakeSource) fetchCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[rawURL]
}

func (f *fakeSource) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts {
		total += n
	}
	return total
}

func (f *fakeSource) currentInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeSource) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// fakeCodec accepts the fakeSource payload and produces 1x1 images.
type fakeCodec struct{}

func (fakeCodec) Transform(raw []byte, v imaging.Variant) (image.Image, []byte, error) {
	if !strings.HasPrefix(string(raw), "img:") {
		return nil, nil, fmt.Errorf("undecodable bytes")
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), append([]byte("proc:"), raw...), nil
}

func (fakeCodec) Decode(path string) (image.Image, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	s := string(data)
	if !strings.HasPrefix(s, "proc:") && !strings.HasPrefix(s, "img:") {
		return nil, false
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), true
}

// countingSubscriber records OnUpdated calls per id.
type countingSubscriber struct {
	mu  sync.Mutex
	got map[int64]int
}

func newCountingSubscriber() *countingSubscriber {
	return &countingSubscriber{got: make(map[int64]int)}
}

func (s *countingSubscriber) OnUpdated(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[id]++
}

func (s *countingSubscriber) count(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got[id]
}

// manualDispatcher collects callbacks without running them.
type manualDispatcher struct {
	mu  sync.Mutex
	fns []func()
}

func (d *manualDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fns = append(d.fns, fn)
}

func (d *manualDispatcher) scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fns)
}

func (d *manualDispatcher) runAll() {
	d.mu.Lock()
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	engine   *Engine
	resolver *fakeResolver
	source   *fakeSource
	store    *store.Store
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	fr := &fakeResolver{urls: map[int64]string{}}
	fs := newFakeSource()

	cfg := Config{
		Store:    st,
		Resolver: fr,
		Source:   fs,
		Codec:    fakeCodec{},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(e.Close)

	return &testEnv{engine: e, resolver: fr, source: fs, store: st}
}

func TestRequest_DeduplicatesConcurrentRequests(t *testing.T) {
	const n = 20
	env := newTestEnv(t, nil)
	env.resolver.urls[42] = "http://x/42_normal.png"
	env.source.gate = make(chan struct{})

	subs := make([]*countingSubscriber, n)
	var start, done sync.WaitGroup
	for i := range subs {
		subs[i] = newCountingSubscriber()
		start.Add(1)
		done.Add(1)
		go func(sub *countingSubscriber) {
			defer done.Done()
			start.Done()
			env.engine.Request(42, "", sub)
		}(subs[i])
	}
	start.Wait()
	done.Wait()

	// Every caller has registered; let the single fetch proceed.
	close(env.source.gate)

	for _, sub := range subs {
		sub := sub
		waitFor(t, "subscriber notification", func() bool { return sub.count(42) == 1 })
	}

	if got := env.source.totalFetches(); got != 1 {
		t.Errorf("Expected exactly 1 network fetch, got %d", got)
	}
	for i, sub := range subs {
		if got := sub.count(42); got != 1 {
			t.Errorf("Expected subscriber %d to be notified once, got %d", i, got)
		}
	}
}

func TestScheduler_BoundsConcurrentFetches(t *testing.T) {
	const submitted = 12
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConcurrent = 4 })
	env.source.gate = make(chan struct{})

	subs := make([]*countingSubscriber, submitted)
	for i := int64(1); i <= submitted; i++ {
		env.resolver.urls[i] = fmt.Sprintf("http://x/%d_normal.png", i)
		subs[i-1] = newCountingSubscriber()
		env.engine.Request(i, "", subs[i-1])
	}

	waitFor(t, "all lanes busy", func() bool { return env.source.currentInflight() == 4 })
	if got := env.source.peakInflight(); got > 4 {
		t.Errorf("Expected at most 4 concurrent fetches, got %d", got)
	}

	close(env.source.gate)

	for i := int64(1); i <= submitted; i++ {
		sub := subs[i-1]
		id := i
		waitFor(t, "queued fetch completion", func() bool { return sub.count(id) == 1 })
	}

	if got := env.source.peakInflight(); got > 4 {
		t.Errorf("Expected at most 4 concurrent fetches over the whole burst, got %d", got)
	}
	if got := env.source.totalFetches(); got != submitted {
		t.Errorf("Expected %d fetches, got %d", submitted, got)
	}
}

func TestRequest_PlaceholderThenNotify(t *testing.T) {
	placeholder := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var led *ledger.Ledger
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Placeholder = placeholder
		var err error
		led, err = ledger.Open(t.TempDir() + "/avatars.db")
		if err != nil {
			t.Fatalf("failed to open ledger: %v", err)
		}
		cfg.Ledger = led
	})
	defer led.Close()

	sub := newCountingSubscriber()
	got := env.engine.Request(42, "http://x/42_normal.png", sub)
	if got != placeholder {
		t.Error("Expected the placeholder image while the fetch is in flight")
	}

	waitFor(t, "fetch completion", func() bool { return sub.count(42) == 1 })

	if got := env.source.fetchCount("http://x/42_normal.png"); got != 1 {
		t.Errorf("Expected 1 fetch of the provided URL, got %d", got)
	}

	// Materialized now; no further I/O needed.
	if _, ok := env.engine.GetLocal(42); !ok {
		t.Error("Expected GetLocal hit after successful fetch")
	}
	if _, ok := env.store.Find(42, store.Raw); !ok {
		t.Error("Expected raw artifact on disk")
	}
	if _, ok := env.store.Find(42, store.Small); !ok {
		t.Error("Expected small-variant artifact on disk")
	}

	rec, err := led.Get(42)
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	if rec == nil || rec.Status != ledger.StatusReady {
		t.Errorf("Expected ready ledger record, got %+v", rec)
	}
}

func TestRequest_LargeVariantURLDerivation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.urls[5] = "http://x/5_normal.png"

	largeSub := newCountingSubscriber()
	env.engine.Request(-5, "", largeSub)
	waitFor(t, "large variant fetch", func() bool { return largeSub.count(-5) == 1 })

	// The small marker must be stripped from the derived URL.
	if got := env.source.fetchCount("http://x/5.png"); got != 1 {
		t.Errorf("Expected 1 fetch of the large-variant URL, got %d", got)
	}
	if _, ok := env.store.Find(5, store.Large); !ok {
		t.Error("Expected large-variant artifact on disk")
	}
}

func TestRequest_LargeVariantFallsBackToSmall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.urls[5] = "http://x/5_normal.png"
	env.source.gate = make(chan struct{})
	defer close(env.source.gate)

	// Only the processed small variant exists locally, so the large request
	// must fetch, handing back the small rendering in the meantime.
	if _, err := env.store.Write(5, store.Small, ".png", []byte("proc:img:seed")); err != nil {
		t.Fatalf("failed to seed small variant: %v", err)
	}

	largeSub := newCountingSubscriber()
	fallback := env.engine.Request(-5, "", largeSub)
	if fallback == env.engine.placeholder {
		t.Error("Expected small-variant fallback, got the placeholder")
	}
	if got := env.source.fetchCount("http://x/5.png"); got > 1 {
		t.Errorf("Expected at most one in-flight fetch, got %d", got)
	}
}

func TestRequest_TransientIDUsesScratchBucket(t *testing.T) {
	env := newTestEnv(t, nil)
	id := store.TempStart + 3

	sub := newCountingSubscriber()
	env.engine.Request(id, "http://x/search-result.png", sub)
	waitFor(t, "transient fetch", func() bool { return sub.count(id) == 1 })

	if _, ok := env.store.Find(id, store.Temp); !ok {
		t.Error("Expected transient artifact in the scratch bucket")
	}
	if _, ok := env.store.Find(id, store.Raw); ok {
		t.Error("Expected no raw artifact for a transient id")
	}
}

func TestRequest_ResolutionFailureAllowsRetry(t *testing.T) {
	env := newTestEnv(t, nil)

	sub := newCountingSubscriber()
	env.engine.Request(7, "", sub) // identity 7 is unknown

	waitFor(t, "pending entry cleared", func() bool {
		return env.resolver.callCount() == 1 && !env.engine.pending.inFlight(7)
	})

	// A later request is free to start a new attempt.
	env.engine.Request(7, "", sub)
	waitFor(t, "second resolution attempt", func() bool { return env.resolver.callCount() == 2 })

	if got := sub.count(7); got != 0 {
		t.Errorf("Expected no notification for failed fetches, got %d", got)
	}
}

func TestRequest_TransportFailureAllowsRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.urls[9] = "http://x/9_normal.png"
	env.source.fail = true

	sub := newCountingSubscriber()
	env.engine.Request(9, "", sub)

	waitFor(t, "pending entry cleared", func() bool {
		return env.source.totalFetches() == 1 && !env.engine.pending.inFlight(9)
	})

	env.source.mu.Lock()
	env.source.fail = false
	env.source.mu.Unlock()

	env.engine.Request(9, "", sub)
	waitFor(t, "retry success", func() bool { return sub.count(9) == 1 })
}

func TestNotifier_CoalescesBatch(t *testing.T) {
	const n = 5
	dispatcher := &manualDispatcher{}
	env := newTestEnv(t, func(cfg *Config) { cfg.Dispatcher = dispatcher })

	subs := make(map[int64]*countingSubscriber, n)
	for i := int64(1); i <= n; i++ {
		env.resolver.urls[i] = fmt.Sprintf("http://x/%d_normal.png", i)
		subs[i] = newCountingSubscriber()
		env.engine.Request(i, "", subs[i])
	}

	// All n fetches land in the same batch while the hand-off sits unexecuted.
	waitFor(t, "batch to fill", func() bool {
		env.engine.notifier.mu.Lock()
		defer env.engine.notifier.mu.Unlock()
		return len(env.engine.notifier.batch) == n
	})

	if got := dispatcher.scheduled(); got != 1 {
		t.Fatalf("Expected exactly 1 affinity hand-off for the burst, got %d", got)
	}

	dispatcher.runAll()

	for id, sub := range subs {
		if got := sub.count(id); got != 1 {
			t.Errorf("Expected id %d notified once by the single fan-out, got %d", id, got)
		}
	}

	// The next completion after the flush schedules a fresh hand-off.
	env.resolver.urls[99] = "http://x/99_normal.png"
	sub := newCountingSubscriber()
	env.engine.Request(99, "", sub)
	waitFor(t, "new hand-off", func() bool { return dispatcher.scheduled() == 1 })
}

func TestGetLocal_TransformsRawArtifact(t *testing.T) {
	env := newTestEnv(t, nil)

	// Only the raw artifact exists, as if a fetch persisted it earlier.
	if _, err := env.store.Write(11, store.Raw, ".png", []byte("img:raw")); err != nil {
		t.Fatalf("failed to seed raw artifact: %v", err)
	}

	img, ok := env.engine.GetLocal(11)
	if !ok {
		t.Fatal("Expected GetLocal to materialize from the raw artifact")
	}
	if img == nil {
		t.Fatal("Expected an image, got nil")
	}
	if _, ok := env.store.Find(11, store.Small); !ok {
		t.Error("Expected the synchronously transformed variant to be persisted")
	}
}

func TestGetLocal_MissImpliesNoFetch(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, ok := env.engine.GetLocal(123); ok {
		t.Error("Expected miss for unmaterialized id")
	}
	if got := env.source.totalFetches(); got != 0 {
		t.Errorf("Expected GetLocal to trigger no fetches, got %d", got)
	}
	if got := env.resolver.callCount(); got != 0 {
		t.Errorf("Expected GetLocal to trigger no resolution, got %d", got)
	}
}

func TestNotifier_SubscriberPanicDoesNotAbortFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.urls[1] = "http://x/1_normal.png"
	env.source.gate = make(chan struct{})

	panicky := panickySubscriber{}
	sub := newCountingSubscriber()
	env.engine.Request(1, "", panicky)
	env.engine.Request(1, "", sub)
	close(env.source.gate)

	waitFor(t, "surviving subscriber notification", func() bool { return sub.count(1) == 1 })
}

type panickySubscriber struct{}

func (panickySubscriber) OnUpdated(id int64) {
	panic("subscriber bug")
}
