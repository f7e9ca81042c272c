package loader

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// loadTimeRingSize bounds the retained load-duration samples.
const loadTimeRingSize = 1_000

// Metrics tracks loader totals and a bounded ring of load times for
// percentile estimates. Mirrored into prometheus when a registerer is
// provided.
type Metrics struct {
	mu sync.Mutex

	loads     int64
	successes int64
	failures  int64
	retries   int64
	rollbacks int64
	cacheHits int64
	cacheMiss int64

	ring  [loadTimeRingSize]time.Duration
	count int
	next  int

	promLoads     prometheus.Counter
	promFailures  prometheus.Counter
	promRetries   prometheus.Counter
	promRollbacks prometheus.Counter
	promCacheHit  prometheus.Counter
	promCacheMiss prometheus.Counter
	promLoadTime  prometheus.Histogram
}

// NewMetrics creates loader metrics. reg may be nil to skip prometheus
// registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg == nil {
		return m
	}
	m.promLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "loads_total",
		Help: "Stub load attempts.",
	})
	m.promFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "failures_total",
		Help: "Stub loads that failed after retries.",
	})
	m.promRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "retries_total",
		Help: "Individual retry attempts.",
	})
	m.promRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "rollbacks_total",
		Help: "Version rollbacks.",
	})
	m.promCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "cache_hits_total",
		Help: "Shared stub cache hits.",
	})
	m.promCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "cache_misses_total",
		Help: "Shared stub cache misses.",
	})
	m.promLoadTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fngate", Subsystem: "loader", Name: "load_seconds",
		Help:    "Stub load duration.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(m.promLoads, m.promFailures, m.promRetries,
		m.promRollbacks, m.promCacheHit, m.promCacheMiss, m.promLoadTime)
	return m
}

func (m *Metrics) recordLoad(d time.Duration, retries int, err error) {
	m.mu.Lock()
	m.loads++
	m.retries += int64(retries)
	if err != nil {
		m.failures++
	} else {
		m.successes++
		m.ring[m.next] = d
		m.next = (m.next + 1) % loadTimeRingSize
		if m.count < loadTimeRingSize {
			m.count++
		}
	}
	m.mu.Unlock()

	if m.promLoads != nil {
		m.promLoads.Inc()
		m.promRetries.Add(float64(retries))
		if err != nil {
			m.promFailures.Inc()
		} else {
			m.promLoadTime.Observe(d.Seconds())
		}
	}
}

func (m *Metrics) recordCache(hit bool) {
	m.mu.Lock()
	if hit {
		m.cacheHits++
	} else {
		m.cacheMiss++
	}
	m.mu.Unlock()
	if m.promCacheHit != nil {
		if hit {
			m.promCacheHit.Inc()
		} else {
			m.promCacheMiss.Inc()
		}
	}
}

func (m *Metrics) recordRollback() {
	m.mu.Lock()
	m.rollbacks++
	m.mu.Unlock()
	if m.promRollbacks != nil {
		m.promRollbacks.Inc()
	}
}

// Snapshot is a point-in-time view of loader metrics.
type Snapshot struct {
	Loads       int64         `json:"loads"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	Retries     int64         `json:"retries"`
	Rollbacks   int64         `json:"rollbacks"`
	CacheHits   int64         `json:"cacheHits"`
	CacheMisses int64         `json:"cacheMisses"`
	AvgLoadTime time.Duration `json:"avgLoadTimeNs"`
	P95LoadTime time.Duration `json:"p95LoadTimeNs"`
	P99LoadTime time.Duration `json:"p99LoadTimeNs"`
}

// Snapshot copies the counters and computes percentiles by copy-and-sort
// over the retained samples.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Loads:       m.loads,
		Successes:   m.successes,
		Failures:    m.failures,
		Retries:     m.retries,
		Rollbacks:   m.rollbacks,
		CacheHits:   m.cacheHits,
		CacheMisses: m.cacheMiss,
	}
	if m.count == 0 {
		return s
	}

	samples := make([]time.Duration, m.count)
	copy(samples, m.ring[:m.count])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, d := range samples {
		total += d
	}
	s.AvgLoadTime = total / time.Duration(len(samples))
	s.P95LoadTime = samples[percentileIndex(len(samples), 95)]
	s.P99LoadTime = samples[percentileIndex(len(samples), 99)]
	return s
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
