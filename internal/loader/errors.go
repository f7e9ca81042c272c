package loader

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// LoadError is the failure every caller of a load observes, including
// waiters who joined a peer's in-flight attempt. It preserves the
// original cause and the attempt's attribution so logs point at the real
// failure rather than a spurious retry.
type LoadError struct {
	FunctionID   string
	Version      string
	RetryCount   int
	BreakerState string
	Coalesced    bool
	Cause        error
}

func (e *LoadError) Error() string {
	v := e.Version
	if v == "" {
		v = "latest"
	}
	return fmt.Sprintf("load %s@%s failed (retries=%d, breaker=%s, coalesced=%v): %v",
		e.FunctionID, v, e.RetryCount, e.BreakerState, e.Coalesced, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// IsBreakerOpen reports whether the failure was a breaker fail-fast
// rather than an actual load attempt.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
