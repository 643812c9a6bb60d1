package ephemeris

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is a point-in-time availability report for one provider.
type HealthStatus struct {
	Provider     string        `json:"provider"`
	Available    bool          `json:"available"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// HealthChecker probes providers with a known-good query and caches the
// result. Safe for concurrent use.
type HealthChecker struct {
	mu        sync.RWMutex
	providers []Provider
	statuses  map[string]HealthStatus
}

// NewHealthChecker creates a checker over the given providers.
func NewHealthChecker(providers []Provider) *HealthChecker {
	return &HealthChecker{
		providers: providers,
		statuses:  make(map[string]HealthStatus),
	}
}

// Check probes every provider and returns the refreshed statuses.
func (hc *HealthChecker) Check(ctx context.Context) []HealthStatus {
	probe := Observer{Latitude: 35.3606, Longitude: 138.7274, ElevationM: 3776}
	at := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

	out := make([]HealthStatus, 0, len(hc.providers))
	for _, p := range hc.providers {
		start := time.Now()
		_, err := p.SunPosition(ctx, at, probe)
		st := HealthStatus{
			Provider:     p.ProviderName(),
			Available:    err == nil,
			LastCheck:    time.Now(),
			ResponseTime: time.Since(start),
		}
		if err != nil {
			st.ErrorMessage = err.Error()
		}
		out = append(out, st)
	}

	hc.mu.Lock()
	for _, st := range out {
		hc.statuses[st.Provider] = st
	}
	hc.mu.Unlock()
	return out
}

// Status returns the last cached status for a provider name.
func (hc *HealthChecker) Status(name string) (HealthStatus, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	st, ok := hc.statuses[name]
	return st, ok
}
