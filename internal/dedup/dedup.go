// Package dedup collapses identical concurrent invocations onto one
// execution. The first caller for a fingerprint becomes the leader and
// runs the work; callers that arrive while it is in flight wait on the
// leader's entry and receive an independent copy of the snapshot. Entries
// are removed when the leader settles, so sequential invocations never
// coalesce; a TTL evicts entries whose leader hangs.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// DefaultTTL bounds how long a waiter can be trapped behind a leader that
// never settles.
const DefaultTTL = 30 * time.Second

// Fingerprint computes the dedup key for an invocation: hex SHA-256 of
// the function id, a colon, and the serialized input. Empty input is
// normalized to the empty JSON object.
func Fingerprint(functionID string, input []byte) string {
	body := input
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(functionID))
	h.Write([]byte(":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Result is an immutable response snapshot. Each caller receives its own
// copy of Body, so reading one caller's result never affects a peer.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Result) copy() *Result {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Result{Status: r.Status, Header: r.Header.Clone(), Body: body}
}

type entry struct {
	done      chan struct{}
	result    *Result
	err       error
	createdAt time.Time
}

// Map coalesces executions by fingerprint. State is per instance.
type Map struct {
	ttl     time.Duration
	enabled bool
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an enabled map with the given TTL (DefaultTTL when zero).
func New(ttl time.Duration) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Map{
		ttl:     ttl,
		enabled: true,
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// Disabled creates a map that runs every execution directly.
func Disabled() *Map {
	m := New(DefaultTTL)
	m.enabled = false
	return m
}

// Do runs exec for the fingerprint, or waits for an in-flight peer.
// The returned bool is true when the result came from a peer's execution
// (the caller was coalesced). Errors fan out to every waiter.
func (m *Map) Do(ctx context.Context, fingerprint string, exec func() (*Result, error)) (*Result, bool, error) {
	if !m.enabled {
		res, err := exec()
		return res, false, err
	}

	m.mu.Lock()
	m.evictLocked(m.now())
	if e, ok := m.entries[fingerprint]; ok {
		m.mu.Unlock()
		select {
		case <-e.done:
			if e.err != nil {
				return nil, true, e.err
			}
			return e.result.copy(), true, nil
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	e := &entry{done: make(chan struct{}), createdAt: m.now()}
	m.entries[fingerprint] = e
	m.mu.Unlock()

	res, err := exec()
	e.result = res
	e.err = err

	m.mu.Lock()
	// The entry may already have been replaced after TTL eviction; only
	// remove our own.
	if cur, ok := m.entries[fingerprint]; ok && cur == e {
		delete(m.entries, fingerprint)
	}
	m.mu.Unlock()
	close(e.done)

	if err != nil {
		return nil, false, err
	}
	return res.copy(), false, nil
}

// evictLocked drops entries older than the TTL. Waiters already parked on
// an evicted entry stay parked on it; new callers start fresh.
func (m *Map) evictLocked(now time.Time) {
	for fp, e := range m.entries {
		if now.Sub(e.createdAt) > m.ttl {
			delete(m.entries, fp)
		}
	}
}

// Clear empties the map.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*entry{}
}

// Len reports in-flight entries (for tests).
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
