package loader

import (
	"context"
	"time"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthReport summarizes loader dependency health.
type HealthReport struct {
	Status        string         `json:"status"`
	RegistryOK    bool           `json:"registryOk"`
	CodeOK        bool           `json:"codeOk"`
	CacheOK       bool           `json:"cacheOk"`
	BreakerStates map[string]int `json:"breakerStates"`
	CheckedAt     time.Time      `json:"checkedAt"`
}

// sentinelHealthKey is a throwaway key used to probe cache reachability.
const sentinelHealthKey = cacheBase + "/__health__/probe"

// Health probes the registry, code store, and stub cache and folds in
// breaker state. Registry and code store both down is unhealthy; any
// dependency down, or more than half the breakers open, is degraded.
func (l *Loader) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		BreakerStates: l.BreakerCounts(),
		CheckedAt:     l.now().UTC(),
	}

	report.RegistryOK = l.registry.Ping(ctx) == nil
	report.CodeOK = l.code.Ping(ctx) == nil
	_, cacheErr := l.cache.Get(ctx, sentinelHealthKey)
	report.CacheOK = cacheErr == nil

	open := report.BreakerStates["open"]
	total := 0
	for _, n := range report.BreakerStates {
		total += n
	}

	switch {
	case !report.RegistryOK && !report.CodeOK:
		report.Status = StatusUnhealthy
	case !report.RegistryOK || !report.CodeOK || !report.CacheOK:
		report.Status = StatusDegraded
	case total > 0 && open*2 > total:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}
