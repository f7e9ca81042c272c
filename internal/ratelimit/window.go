// Package ratelimit implements per-key window rate accounting for the
// serving pipeline. Requests are checked against categories (endpoint,
// custom, function, ip) in that order; the first denial wins. Limiter
// instances are held in a bounded LRU so per-key state cannot grow
// without bound.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// window tracks request timestamps for one key inside a sliding window.
type window struct {
	stamps []time.Time
}

// slidingWindow is an in-memory sliding-window counter for one
// (windowMs, maxRequests) configuration.
type slidingWindow struct {
	mu       sync.Mutex
	windowMS int
	max      int
	buckets  map[string]*window
	lastUsed time.Time
}

func newSlidingWindow(windowMS, max int) *slidingWindow {
	return &slidingWindow{
		windowMS: windowMS,
		max:      max,
		buckets:  map[string]*window{},
	}
}

// Check admits or denies one request for key at instant now. Admission
// appends a timestamp; denial does not consume quota.
func (s *slidingWindow) Check(key string, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = now

	w := s.buckets[key]
	if w == nil {
		w = &window{}
		s.buckets[key] = w
	}

	cutoff := now.Add(-time.Duration(s.windowMS) * time.Millisecond)
	live := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	w.stamps = live

	resetAt := now.Add(time.Duration(s.windowMS) * time.Millisecond)
	if len(w.stamps) > 0 {
		resetAt = w.stamps[0].Add(time.Duration(s.windowMS) * time.Millisecond)
	}

	if len(w.stamps) >= s.max {
		return Decision{Allowed: false, Limit: s.max, Remaining: 0, ResetAt: resetAt}
	}

	w.stamps = append(w.stamps, now)
	return Decision{
		Allowed:   true,
		Limit:     s.max,
		Remaining: s.max - len(w.stamps),
		ResetAt:   resetAt,
	}
}

// sweep drops buckets whose every timestamp has left the window.
func (s *slidingWindow) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-time.Duration(s.windowMS) * time.Millisecond)
	for key, w := range s.buckets {
		empty := true
		for _, ts := range w.stamps {
			if ts.After(cutoff) {
				empty = false
				break
			}
		}
		if empty {
			delete(s.buckets, key)
		}
	}
}

func (s *slidingWindow) bucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
