package models

import "time"

// HealthStatus represents the liveness state of a provider
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ProviderHealth is the last known probe outcome for one provider
type ProviderHealth struct {
	ProviderID           string       `json:"provider_id"`
	Status               HealthStatus `json:"status"`
	LastCheckedAt        time.Time    `json:"last_checked_at"`
	LatencyMs            int64        `json:"latency_ms"`
	ReportedVersion      string       `json:"reported_version,omitempty"`
	LastError            string       `json:"last_error,omitempty"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
}

// IsStale reports whether the entry is older than ttl at now. An entry that
// was never checked is always stale.
func (h ProviderHealth) IsStale(now time.Time, ttl time.Duration) bool {
	if h.LastCheckedAt.IsZero() {
		return true
	}
	return now.Sub(h.LastCheckedAt) > ttl
}

// Effective returns a copy with a stale entry reported as unknown
func (h ProviderHealth) Effective(now time.Time, ttl time.Duration) ProviderHealth {
	if h.IsStale(now, ttl) {
		h.Status = HealthStatusUnknown
	}
	return h
}
