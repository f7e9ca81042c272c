package ratelimit

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Category names a class of rate-limit keys.
type Category string

const (
	CategoryIP       Category = "ip"
	CategoryFunction Category = "function"
	CategoryEndpoint Category = "endpoint"
	CategoryCustom   Category = "custom"
)

// evaluationOrder is the fixed per-request category order; the first
// denial wins.
var evaluationOrder = []Category{CategoryEndpoint, CategoryCustom, CategoryFunction, CategoryIP}

// Rule configures one category.
type Rule struct {
	WindowMS    int `json:"windowMs" yaml:"window_ms"`
	MaxRequests int `json:"maxRequests" yaml:"max_requests"`
}

// Config configures the limiter.
type Config struct {
	// Rules maps category to its window. A missing category is unlimited.
	Rules map[Category]Rule `yaml:"rules"`

	// BypassPaths are doublestar globs that skip limiting entirely.
	BypassPaths []string `yaml:"bypass_paths"`

	// WhitelistIPs skip limiting for trusted clients.
	WhitelistIPs []string `yaml:"whitelist_ips"`

	// MaxInstances caps the limiter LRU. Defaults to 10000.
	MaxInstances int `yaml:"max_instances"`

	// SweepInterval is the minimum gap between bucket sweeps.
	// Defaults to 5 minutes.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *Config) applyDefaults() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 10_000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Request describes one admission check.
type Request struct {
	IP         string
	FunctionID string
	Method     string
	Path       string
	CustomKey  string
}

// Limiter evaluates category rules for requests. Limiter instances are
// keyed by (category, windowMs, maxRequests) in a bounded LRU; counters
// are per process.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	instances map[string]*list.Element
	order     *list.List // front = most recently used
	lastSweep time.Time
}

type instanceEntry struct {
	key    string
	window *slidingWindow
}

// New creates a limiter. A nil or empty rule set admits everything.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		cfg:       cfg,
		now:       time.Now,
		instances: map[string]*list.Element{},
		order:     list.New(),
	}
}

// Check evaluates all configured categories for the request. The returned
// decision is the denial when one occurs, otherwise the tightest allowed
// decision (fewest remaining) so callers can emit accurate headers.
func (l *Limiter) Check(req Request) Decision {
	if l == nil {
		return Decision{Allowed: true, Remaining: -1}
	}
	for _, glob := range l.cfg.BypassPaths {
		if ok, _ := doublestar.Match(glob, req.Path); ok {
			return Decision{Allowed: true, Remaining: -1}
		}
	}
	for _, ip := range l.cfg.WhitelistIPs {
		if ip != "" && ip == req.IP {
			return Decision{Allowed: true, Remaining: -1}
		}
	}

	now := l.now()
	l.maybeSweep(now)

	best := Decision{Allowed: true, Remaining: -1}
	for _, cat := range evaluationOrder {
		rule, ok := l.cfg.Rules[cat]
		if !ok || rule.MaxRequests <= 0 || rule.WindowMS <= 0 {
			continue
		}
		key := l.keyFor(cat, req)
		if key == "" {
			continue
		}
		inst := l.instance(cat, rule)
		d := inst.Check(key, now)
		if !d.Allowed {
			return d
		}
		if best.Remaining < 0 || d.Remaining < best.Remaining {
			best = d
		}
	}
	return best
}

func (l *Limiter) keyFor(cat Category, req Request) string {
	switch cat {
	case CategoryIP:
		return req.IP
	case CategoryFunction:
		return req.FunctionID
	case CategoryEndpoint:
		if req.Method == "" || req.Path == "" {
			return ""
		}
		return req.Method + ":" + req.Path
	case CategoryCustom:
		return req.CustomKey
	}
	return ""
}

// instance returns the limiter for (category, windowMs, max), creating it
// and evicting the least-recently-used instance on overflow.
func (l *Limiter) instance(cat Category, rule Rule) *slidingWindow {
	key := fmt.Sprintf("%s:%d:%d", cat, rule.WindowMS, rule.MaxRequests)

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.instances[key]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*instanceEntry).window
	}

	w := newSlidingWindow(rule.WindowMS, rule.MaxRequests)
	el := l.order.PushFront(&instanceEntry{key: key, window: w})
	l.instances[key] = el

	for len(l.instances) > l.cfg.MaxInstances {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		ent := oldest.Value.(*instanceEntry)
		l.order.Remove(oldest)
		delete(l.instances, ent.key)
	}
	return w
}

// maybeSweep purges empty window buckets at most once per SweepInterval.
func (l *Limiter) maybeSweep(now time.Time) {
	l.mu.Lock()
	if now.Sub(l.lastSweep) < l.cfg.SweepInterval {
		l.mu.Unlock()
		return
	}
	l.lastSweep = now
	windows := make([]*slidingWindow, 0, len(l.instances))
	for _, el := range l.instances {
		windows = append(windows, el.Value.(*instanceEntry).window)
	}
	l.mu.Unlock()

	for _, w := range windows {
		w.sweep(now)
	}
}

// InstanceCount reports the live limiter instances (for tests and health).
func (l *Limiter) InstanceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}
