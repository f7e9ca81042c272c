package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/store"
)

func newTestLoader(t *testing.T, cfg Config, reg store.Registry, code store.CodeStore) *Loader {
	t.Helper()
	if code == nil {
		code = store.NewMemoryCodeStore()
	}
	l := New(cfg, reg, code, NewMemoryStubCache(), nil, nil)
	l.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return l
}

func seedGenerative(t *testing.T, reg store.Registry, id, version string) {
	t.Helper()
	err := reg.Put(context.Background(), &fn.Metadata{
		ID:      id,
		Version: version,
		Kind:    fn.KindGenerative,
		Generative: &fn.GenerativeSpec{
			UserPrompt: "summarize {{text}}",
		},
	})
	if err != nil {
		t.Fatalf("seed %s@%s: %v", id, version, err)
	}
}

// flakyRegistry fails the first failures calls to Get/GetVersion with a
// transient error, then delegates.
type flakyRegistry struct {
	store.Registry
	mu       sync.Mutex
	failures int
	calls    int
	delay    time.Duration
}

func (r *flakyRegistry) step() error {
	r.mu.Lock()
	r.calls++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if fail {
		return errors.New("registry backend unavailable")
	}
	return nil
}

func (r *flakyRegistry) Get(ctx context.Context, id string) (*fn.Metadata, error) {
	if err := r.step(); err != nil {
		return nil, err
	}
	return r.Registry.Get(ctx, id)
}

func (r *flakyRegistry) GetVersion(ctx context.Context, id, version string) (*fn.Metadata, error) {
	if err := r.step(); err != nil {
		return nil, err
	}
	return r.Registry.GetVersion(ctx, id, version)
}

func (r *flakyRegistry) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestLoadCachesStub(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	flaky := &flakyRegistry{Registry: reg}
	l := newTestLoader(t, Config{}, flaky, nil)

	first, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.FromCache {
		t.Fatal("first load reported a cache hit")
	}
	if first.Stub.Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0", first.Stub.Version)
	}

	second, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !second.FromCache {
		t.Fatal("second load missed the cache")
	}
	if got := flaky.callCount(); got != 1 {
		t.Fatalf("registry calls = %d, want 1", got)
	}
}

func TestLoadRetriesTransientFailures(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	flaky := &flakyRegistry{Registry: reg, failures: 2}
	l := newTestLoader(t, Config{MaxRetries: 3}, flaky, nil)

	res, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", res.RetryCount)
	}
	if got := flaky.callCount(); got != 3 {
		t.Fatalf("registry calls = %d, want 3", got)
	}
}

func TestLoadDoesNotRetryMissingFunction(t *testing.T) {
	flaky := &flakyRegistry{Registry: store.NewMemoryRegistry()}
	l := newTestLoader(t, Config{MaxRetries: 3}, flaky, nil)

	_, err := l.Load(context.Background(), "ghost")
	if err == nil {
		t.Fatal("load of missing function succeeded")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error type %T, want *LoadError", err)
	}
	if le.RetryCount != 0 {
		t.Fatalf("retries = %d, want 0", le.RetryCount)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cause = %v, want ErrNotFound", err)
	}
	if got := flaky.callCount(); got != 1 {
		t.Fatalf("registry calls = %d, want 1", got)
	}
}

func TestLoadOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	flaky := &flakyRegistry{Registry: reg, failures: 3}
	l := newTestLoader(t, Config{
		FailureThreshold:    3,
		ResetTimeout:        50 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	}, flaky, nil)

	for i := 0; i < 3; i++ {
		if _, err := l.Load(context.Background(), "summarize"); err == nil {
			t.Fatalf("load %d succeeded, want failure", i)
		}
	}
	if got := l.BreakerState("summarize"); got != "open" {
		t.Fatalf("breaker state = %q, want open", got)
	}

	// Open breaker fails fast without touching the registry.
	before := flaky.callCount()
	_, err := l.Load(context.Background(), "summarize")
	if !IsBreakerOpen(err) {
		t.Fatalf("error = %v, want breaker open", err)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.BreakerState != "open" {
		t.Fatalf("error = %v, want LoadError with open breaker", err)
	}
	if got := flaky.callCount(); got != before {
		t.Fatalf("registry called %d times while open", got-before)
	}

	// After the reset timeout a half-open probe closes the breaker.
	time.Sleep(80 * time.Millisecond)
	res, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if res.Stub.Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0", res.Stub.Version)
	}
	if got := l.BreakerState("summarize"); got != "closed" {
		t.Fatalf("breaker state = %q, want closed", got)
	}
}

func TestLoadCoalescesConcurrentMisses(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	flaky := &flakyRegistry{Registry: reg, delay: 50 * time.Millisecond}
	l := newTestLoader(t, Config{}, flaky, nil)

	const callers = 5
	var wg sync.WaitGroup
	var coalesced atomic.Int32
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Load(context.Background(), "summarize")
			if err != nil {
				errs <- err
				return
			}
			if res.Coalesced {
				coalesced.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent load: %v", err)
	}
	if got := flaky.callCount(); got != 1 {
		t.Fatalf("registry calls = %d, want 1", got)
	}
	if coalesced.Load() == 0 {
		t.Fatal("no caller observed coalescing")
	}
}

func TestLoadFallsBackToPinnedVersion(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	seedGenerative(t, reg, "summarize", "1.1.0")
	// Fail only the latest lookup; version lookups pass through.
	flaky := &flakyRegistry{Registry: reg, failures: 1}
	l := newTestLoader(t, Config{
		GracefulDegradation: true,
		FallbackVersion:     "1.0.0",
	}, flaky, nil)

	res, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !res.Degraded {
		t.Fatal("result not marked degraded")
	}
	if res.DegradationReason == "" {
		t.Fatal("degradation reason empty")
	}
	if res.Stub.Version != "1.0.0" {
		t.Fatalf("version = %q, want fallback 1.0.0", res.Stub.Version)
	}
}

func TestRollbackRepointsLatestCacheEntry(t *testing.T) {
	reg := store.NewMemoryRegistry()
	seedGenerative(t, reg, "summarize", "1.0.0")
	seedGenerative(t, reg, "summarize", "1.1.0")
	l := newTestLoader(t, Config{}, reg, nil)

	res, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Stub.Version != "1.1.0" {
		t.Fatalf("latest = %q, want 1.1.0", res.Stub.Version)
	}

	rb, err := l.Rollback(context.Background(), "summarize", "1.0.0")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rb.Stub.Version != "1.0.0" {
		t.Fatalf("rollback version = %q, want 1.0.0", rb.Stub.Version)
	}

	after, err := l.Load(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("load after rollback: %v", err)
	}
	if !after.FromCache || after.Stub.Version != "1.0.0" {
		t.Fatalf("after rollback: fromCache=%v version=%q, want cached 1.0.0",
			after.FromCache, after.Stub.Version)
	}
	if got := l.Metrics().Snapshot().Rollbacks; got != 1 {
		t.Fatalf("rollbacks = %d, want 1", got)
	}
}

func TestLoadCodeFunctionIncludesArtifact(t *testing.T) {
	reg := store.NewMemoryRegistry()
	code := store.NewMemoryCodeStore()
	err := reg.Put(context.Background(), &fn.Metadata{
		ID:      "adder",
		Version: "1.0.0",
		Kind:    fn.KindCode,
		Code: &fn.CodeSpec{
			Language:   fn.LangJavaScript,
			EntryPoint: "index.js",
		},
	})
	if err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	src := "export default ({a, b}) => ({sum: a + b})"
	if err := code.Put(context.Background(), "adder", "1.0.0", &store.Artifact{Text: src}); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	l := newTestLoader(t, Config{}, reg, code)

	res, err := l.Load(context.Background(), "adder")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := string(res.Stub.Code.Bytes()); got != src {
		t.Fatalf("artifact = %q, want source text", got)
	}
	if res.Stub.Code.Digest != store.Digest([]byte(src)) {
		t.Fatal("artifact digest mismatch")
	}
}

func TestLoadCodeFunctionWithoutArtifactFails(t *testing.T) {
	reg := store.NewMemoryRegistry()
	err := reg.Put(context.Background(), &fn.Metadata{
		ID:      "adder",
		Version: "1.0.0",
		Kind:    fn.KindCode,
		Code:    &fn.CodeSpec{Language: fn.LangJavaScript},
	})
	if err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	l := newTestLoader(t, Config{MaxRetries: 2}, reg, store.NewMemoryCodeStore())

	_, err = l.Load(context.Background(), "adder")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error type %T, want *LoadError", err)
	}
	if le.RetryCount != 0 {
		t.Fatalf("retries = %d, want 0 for missing artifact", le.RetryCount)
	}
}

func TestRedisStubCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisStubCache(client)
	ctx := context.Background()

	key := CacheKey("summarize", "")
	entry := &CacheEntry{
		Metadata: &fn.Metadata{ID: "summarize", Version: "1.0.0", Kind: fn.KindGenerative},
		LoadedAt: time.Now().UTC().Truncate(time.Second),
		Version:  "1.0.0",
	}
	if err := cache.Set(ctx, key, entry, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Version != "1.0.0" || got.Metadata.ID != "summarize" {
		t.Fatalf("got %+v, want stored entry", got)
	}

	mr.FastForward(2 * time.Hour)
	got, err = cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if got != nil {
		t.Fatal("entry survived its TTL")
	}

	if err := cache.Set(ctx, key, entry, time.Hour); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	if err := cache.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := cache.Get(ctx, key); got != nil {
		t.Fatal("entry survived delete")
	}
}

func TestHealthReportsDependencyStatus(t *testing.T) {
	reg := store.NewMemoryRegistry()
	l := newTestLoader(t, Config{}, reg, nil)

	report := l.Health(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy", report.Status)
	}
	if !report.RegistryOK || !report.CodeOK || !report.CacheOK {
		t.Fatalf("report = %+v, want all dependencies ok", report)
	}
}

// deadCodeStore delegates everything but reports an unreachable backend.
type deadCodeStore struct{ store.CodeStore }

func (deadCodeStore) Ping(ctx context.Context) error {
	return errors.New("code store unreachable")
}

type deadRegistry struct{ store.Registry }

func (deadRegistry) Ping(ctx context.Context) error {
	return errors.New("registry unreachable")
}

func TestHealthDegradedWhenCodeStoreDown(t *testing.T) {
	reg := store.NewMemoryRegistry()
	l := newTestLoader(t, Config{}, reg, deadCodeStore{store.NewMemoryCodeStore()})

	report := l.Health(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", report.Status)
	}
	if report.CodeOK || !report.RegistryOK {
		t.Fatalf("report = %+v, want code store down only", report)
	}
}

func TestHealthUnhealthyWhenRegistryAndCodeStoreDown(t *testing.T) {
	reg := deadRegistry{store.NewMemoryRegistry()}
	l := newTestLoader(t, Config{}, reg, deadCodeStore{store.NewMemoryCodeStore()})

	report := l.Health(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", report.Status)
	}
}

func TestHealthDegradedWhenBreakersMostlyOpen(t *testing.T) {
	reg := store.NewMemoryRegistry()
	flaky := &flakyRegistry{Registry: reg, failures: 100}
	l := newTestLoader(t, Config{FailureThreshold: 1, ResetTimeout: time.Minute}, flaky, nil)

	for _, id := range []string{"alpha", "beta"} {
		seedGenerative(t, reg, id, "1.0.0")
		if _, err := l.Load(context.Background(), id); err == nil {
			t.Fatalf("load %s succeeded, want failure", id)
		}
	}

	report := l.Health(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", report.Status)
	}
	if report.BreakerStates["open"] != 2 {
		t.Fatalf("open breakers = %d, want 2", report.BreakerStates["open"])
	}
}

func TestDelayForAttemptCapsAndJitters(t *testing.T) {
	cfg := defaultBackoffConfig()

	for attempt := 0; attempt < 10; attempt++ {
		d := delayForAttempt(attempt, cfg, "summarize@")
		max := time.Duration(float64(cfg.MaxDelayMS)*1.25) * time.Millisecond
		if d > max {
			t.Fatalf("attempt %d delay %v exceeds jittered cap %v", attempt, d, max)
		}
	}

	a := delayForAttempt(2, cfg, "summarize@")
	b := delayForAttempt(2, cfg, "summarize@")
	if a != b {
		t.Fatalf("jitter not deterministic: %v vs %v", a, b)
	}

	cfg.Jitter = false
	if got := delayForAttempt(1, cfg, "x"); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 200ms", got)
	}
	if got := delayForAttempt(9, cfg, "x"); got != 5*time.Second {
		t.Fatalf("attempt 9 delay = %v, want capped 5s", got)
	}
}

func TestMetricsSnapshotPercentiles(t *testing.T) {
	m := NewMetrics(nil)
	for i := 1; i <= 100; i++ {
		m.recordLoad(time.Duration(i)*time.Millisecond, 0, nil)
	}
	m.recordLoad(0, 1, fmt.Errorf("boom"))

	s := m.Snapshot()
	if s.Loads != 101 || s.Successes != 100 || s.Failures != 1 || s.Retries != 1 {
		t.Fatalf("snapshot counters = %+v", s)
	}
	if s.P95LoadTime != 95*time.Millisecond {
		t.Fatalf("p95 = %v, want 95ms", s.P95LoadTime)
	}
	if s.P99LoadTime != 99*time.Millisecond {
		t.Fatalf("p99 = %v, want 99ms", s.P99LoadTime)
	}
	if s.AvgLoadTime != 50*time.Millisecond+500*time.Microsecond {
		t.Fatalf("avg = %v, want 50.5ms", s.AvgLoadTime)
	}
}
