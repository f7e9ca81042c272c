// Package loader produces runnable function stubs from the registry and
// code store. Loads are cached in a shared stub cache, coalesced per id
// within the instance, retried with backoff on transient failures, and
// guarded by a per-function circuit breaker. Breaker and in-flight state
// are per instance; only the stub cache is shared.
package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/store"
)

// Stub is the cacheable runtime view of a function: metadata plus, for
// code functions, the executable artifact.
type Stub struct {
	Metadata *fn.Metadata
	Code     *store.Artifact
	LoadedAt time.Time
	Version  string
}

// Result reports one load.
type Result struct {
	Stub              *Stub
	FromCache         bool
	RetryCount        int
	LoadTime          time.Duration
	Coalesced         bool
	Degraded          bool
	DegradationReason string
}

// Config tunes the loader.
type Config struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`

	MaxRetries int           `yaml:"max_retries"`
	Backoff    BackoffConfig `yaml:"-"`

	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	MaxHalfOpenRequests int           `yaml:"max_half_open_requests"`

	GracefulDegradation bool   `yaml:"graceful_degradation"`
	FallbackVersion     string `yaml:"fallback_version"`
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff.InitialDelayMS == 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = defaultBackoffConfig()
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = 1
	}
}

// Loader loads stubs.
type Loader struct {
	cfg      Config
	registry store.Registry
	code     store.CodeStore
	cache    StubCache
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	flight singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a loader. reg may be nil to skip prometheus registration.
func New(cfg Config, registry store.Registry, code store.CodeStore, cache StubCache, logger *zap.Logger, reg prometheus.Registerer) *Loader {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewMemoryStubCache()
	}
	return &Loader{
		cfg:      cfg,
		registry: registry,
		code:     code,
		cache:    cache,
		logger:   logger,
		metrics:  NewMetrics(reg),
		now:      time.Now,
		sleep:    sleepCtx,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load returns the stub for the latest version of id.
func (l *Loader) Load(ctx context.Context, id string) (*Result, error) {
	return l.load(ctx, id, "")
}

// LoadVersion returns the stub for a specific version.
func (l *Loader) LoadVersion(ctx context.Context, id, version string) (*Result, error) {
	return l.load(ctx, id, version)
}

func (l *Loader) load(ctx context.Context, id, version string) (*Result, error) {
	start := l.now()
	key := CacheKey(id, version)

	entry, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("stub cache read failed", zap.String("function_id", id), zap.Error(err))
	}
	if entry != nil && entry.Metadata != nil {
		l.metrics.recordCache(true)
		return &Result{
			Stub: &Stub{
				Metadata: entry.Metadata,
				Code:     entry.Code,
				LoadedAt: entry.LoadedAt,
				Version:  entry.Version,
			},
			FromCache: true,
			LoadTime:  l.now().Sub(start),
		}, nil
	}
	l.metrics.recordCache(false)

	type outcome struct {
		stub    *Stub
		retries int
	}

	v, err, shared := l.flight.Do(key, func() (any, error) {
		cb := l.breaker(id)
		retries := 0
		res, err := cb.Execute(func() (any, error) {
			stub, n, err := l.loadWithRetry(ctx, id, version)
			retries = n
			if err != nil {
				return nil, err
			}
			return stub, nil
		})
		if err != nil {
			return &outcome{retries: retries}, err
		}
		return &outcome{stub: res.(*Stub), retries: retries}, nil
	})
	l.flight.Forget(key)

	oc, _ := v.(*outcome)
	retries := 0
	if oc != nil {
		retries = oc.retries
	}
	elapsed := l.now().Sub(start)
	l.metrics.recordLoad(elapsed, retries, err)

	if err != nil {
		if fb := l.cfg.FallbackVersion; err != nil && l.cfg.GracefulDegradation && fb != "" &&
			!IsBreakerOpen(err) && version == "" {
			if res, fbErr := l.load(ctx, id, fb); fbErr == nil {
				res.Degraded = true
				res.DegradationReason = fmt.Sprintf("primary load failed: %v", err)
				res.RetryCount = retries
				l.logger.Warn("degraded load served fallback version",
					zap.String("function_id", id),
					zap.String("fallback_version", fb),
					zap.Error(err))
				return res, nil
			}
		}
		le := &LoadError{
			FunctionID:   id,
			Version:      version,
			RetryCount:   retries,
			BreakerState: l.BreakerState(id),
			Coalesced:    shared,
			Cause:        err,
		}
		l.logger.Warn("stub load failed",
			zap.String("function_id", id),
			zap.Int("retries", retries),
			zap.String("breaker", le.BreakerState),
			zap.Bool("coalesced", shared),
			zap.Error(err))
		return nil, le
	}

	return &Result{
		Stub:       oc.stub,
		RetryCount: retries,
		LoadTime:   elapsed,
		Coalesced:  shared,
	}, nil
}

// loadWithRetry runs loadOnce with transient-only retries.
func (l *Loader) loadWithRetry(ctx context.Context, id, version string) (*Stub, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		stub, err := l.loadOnce(ctx, id, version)
		if err == nil {
			return stub, attempt, nil
		}
		lastErr = err
		if !isTransient(err) || attempt >= l.cfg.MaxRetries {
			return nil, attempt, err
		}
		delay := delayForAttempt(attempt, l.cfg.Backoff, id+"@"+version)
		if serr := l.sleep(ctx, delay); serr != nil {
			return nil, attempt, lastErr
		}
	}
}

// loadOnce fetches metadata and (for code functions) the artifact, builds
// the stub, and writes it through to the shared cache.
func (l *Loader) loadOnce(ctx context.Context, id, version string) (*Stub, error) {
	var (
		meta *fn.Metadata
		err  error
	)
	if version != "" {
		meta, err = l.registry.GetVersion(ctx, id, version)
	} else {
		meta, err = l.registry.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("function %s: %w", id, store.ErrNotFound)
	}
	if version != "" {
		meta.Version = version
	}

	var artifact *store.Artifact
	if meta.Kind == fn.KindCode {
		if version != "" {
			artifact, err = l.code.GetVersion(ctx, id, version)
		} else {
			artifact, err = l.code.Get(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch code: %w", err)
		}
		if artifact == nil || len(artifact.Bytes()) == 0 {
			return nil, fmt.Errorf("code for %s: %w", id, store.ErrNotFound)
		}
	}

	stub := &Stub{
		Metadata: meta,
		Code:     artifact,
		LoadedAt: l.now().UTC(),
		Version:  meta.Version,
	}

	entry := &CacheEntry{
		Metadata: stub.Metadata,
		Code:     stub.Code,
		LoadedAt: stub.LoadedAt,
		Version:  stub.Version,
	}
	if err := l.cache.Set(ctx, CacheKey(id, version), entry, l.cfg.CacheTTL); err != nil {
		l.logger.Warn("stub cache write failed", zap.String("function_id", id), zap.Error(err))
	}
	return stub, nil
}

// Rollback repoints a function at an older version: it invalidates the
// latest cache entry, resets the function's breaker, loads the target
// version, and republishes it as both the versioned and latest entries.
func (l *Loader) Rollback(ctx context.Context, id, version string) (*Result, error) {
	if err := l.cache.Delete(ctx, CacheKey(id, "")); err != nil {
		l.logger.Warn("cache invalidate failed", zap.String("function_id", id), zap.Error(err))
	}
	l.resetBreaker(id)

	res, err := l.LoadVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}

	entry := &CacheEntry{
		Metadata: res.Stub.Metadata,
		Code:     res.Stub.Code,
		LoadedAt: res.Stub.LoadedAt,
		Version:  version,
	}
	if err := l.cache.Set(ctx, CacheKey(id, ""), entry, l.cfg.CacheTTL); err != nil {
		l.logger.Warn("cache republish failed", zap.String("function_id", id), zap.Error(err))
	}
	l.metrics.recordRollback()
	l.logger.Info("rolled back function version",
		zap.String("function_id", id), zap.String("version", version))
	return res, nil
}

// Invalidate drops the cached latest entry for id.
func (l *Loader) Invalidate(ctx context.Context, id string) error {
	return l.cache.Delete(ctx, CacheKey(id, ""))
}

// Metrics returns the loader's metric store.
func (l *Loader) Metrics() *Metrics { return l.metrics }

// breaker returns the per-id circuit breaker, creating it on first use.
func (l *Loader) breaker(id string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cb, ok := l.breakers[id]; ok {
		return cb
	}
	cb := l.newBreaker(id)
	l.breakers[id] = cb
	return cb
}

func (l *Loader) newBreaker(id string) *gobreaker.CircuitBreaker {
	threshold := uint32(l.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "load:" + id,
		MaxRequests: uint32(l.cfg.MaxHalfOpenRequests),
		Timeout:     l.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// resetBreaker replaces the breaker so the next load starts closed.
func (l *Loader) resetBreaker(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.breakers, id)
}

// BreakerState reports the breaker state for id as closed, half-open, or
// open. Unknown ids report closed.
func (l *Loader) BreakerState(id string) string {
	l.mu.Lock()
	cb, ok := l.breakers[id]
	l.mu.Unlock()
	if !ok {
		return "closed"
	}
	return strings.ReplaceAll(cb.State().String(), " ", "-")
}

// BreakerCounts reports how many breakers are in each state.
func (l *Loader) BreakerCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[string]int{"closed": 0, "half-open": 0, "open": 0}
	for _, cb := range l.breakers {
		counts[strings.ReplaceAll(cb.State().String(), " ", "-")]++
	}
	return counts
}
