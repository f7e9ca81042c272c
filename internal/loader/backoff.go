package loader

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"
)

// BackoffConfig configures retry delays between load attempts.
type BackoffConfig struct {
	InitialDelayMS int
	Multiplier     float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 100,
		Multiplier:     2.0,
		MaxDelayMS:     5_000,
		Jitter:         true,
	}
}

// delayForAttempt computes the backoff before retry attempt (0-indexed:
// the first retry is attempt 0). delay = initial * multiplier^attempt,
// capped at MaxDelayMS, then ±25% deterministic jitter derived from the
// seed so tests are reproducible.
func delayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	ms := float64(cfg.InitialDelayMS) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelayMS > 0 {
		ms = math.Min(ms, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		// Map the seed into [0.75, 1.25].
		ms *= 0.75 + 0.5*jitterUnit(jitterSeed+":"+strconv.Itoa(attempt))
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(strings.TrimSpace(seed)))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// nonTransientMarkers flag error messages that retrying cannot fix.
var nonTransientMarkers = []string{"not found", "invalid", "unauthorized"}

// isTransient reports whether a load failure is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonTransientMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
