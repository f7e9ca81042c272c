// Package audit records security-relevant actions: deploys, deletes,
// rollbacks, auth failures. Every event goes to the structured log;
// when a sink path is configured it is also appended to a binary audit
// trail that survives log rotation.
package audit

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Actions.
const (
	ActionDeploy   = "function.deploy"
	ActionDelete   = "function.delete"
	ActionRollback = "function.rollback"
	ActionAuthFail = "auth.failure"
)

// Statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// Event is one audited action. Details must never carry raw
// credentials; callers pass key hints instead.
type Event struct {
	Timestamp time.Time      `msgpack:"ts" json:"timestamp"`
	ID        string         `msgpack:"id" json:"id"`
	UserID    string         `msgpack:"user" json:"userId,omitempty"`
	Action    string         `msgpack:"action" json:"action"`
	Resource  string         `msgpack:"resource" json:"resource,omitempty"`
	Status    string         `msgpack:"status" json:"status"`
	Details   map[string]any `msgpack:"details" json:"details,omitempty"`
	IP        string         `msgpack:"ip" json:"ip,omitempty"`
}

// Sink persists events. FileSink is the standard implementation.
type Sink interface {
	Append(event *Event) error
	Close() error
}

// Recorder stamps, logs, and persists events.
type Recorder struct {
	logger *zap.Logger
	sink   Sink
	now    func() time.Time

	mu sync.Mutex
}

// NewRecorder creates a recorder. sink may be nil for log-only
// operation.
func NewRecorder(logger *zap.Logger, sink Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, sink: sink, now: time.Now}
}

// Record stamps the event with a ULID and timestamp, writes the log
// line, and appends to the sink. Sink failures are logged, not
// propagated; an audit outage must not fail the user's request.
func (r *Recorder) Record(event Event) {
	now := r.now().UTC()
	event.Timestamp = now
	event.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	r.logger.Info("audit",
		zap.String("audit_id", event.ID),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("status", event.Status),
		zap.String("user_id", event.UserID),
		zap.String("ip", event.IP),
		zap.Any("details", event.Details))

	if r.sink == nil {
		return
	}
	r.mu.Lock()
	err := r.sink.Append(&event)
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("audit sink append failed", zap.Error(err))
	}
}

// Close flushes the sink.
func (r *Recorder) Close() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
