package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewCostRecord(t *testing.T) {
	ts := time.Date(2024, 1, 15, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	rec := NewCostRecord("req-1", "cloud-a", "gpt-4o", 100, 50, 0.00125, ts)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "cloud-a", rec.ProviderID)
	assert.Equal(t, "gpt-4o", rec.Model)
	assert.Equal(t, 100, rec.InputTokens)
	assert.Equal(t, 50, rec.OutputTokens)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	// 23:30 EST is 04:30 UTC on the next day
	assert.Equal(t, "2024-01-16", rec.DayKey())
}

func TestCostRecord_TableName(t *testing.T) {
	assert.Equal(t, "cost_records", CostRecord{}.TableName())
}

func TestProviderHealth_IsStale(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ttl := 30 * time.Second

	tests := []struct {
		name   string
		health ProviderHealth
		stale  bool
	}{
		{"never checked", ProviderHealth{Status: HealthStatusHealthy}, true},
		{"fresh", ProviderHealth{Status: HealthStatusHealthy, LastCheckedAt: now.Add(-10 * time.Second)}, false},
		{"exactly ttl", ProviderHealth{Status: HealthStatusHealthy, LastCheckedAt: now.Add(-ttl)}, false},
		{"older than ttl", ProviderHealth{Status: HealthStatusHealthy, LastCheckedAt: now.Add(-31 * time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stale, tt.health.IsStale(now, ttl))
		})
	}
}

func TestProviderHealth_Effective(t *testing.T) {
	now := time.Now()
	h := ProviderHealth{ProviderID: "local", Status: HealthStatusUnhealthy, LastCheckedAt: now.Add(-time.Minute)}

	eff := h.Effective(now, 30*time.Second)

	assert.Equal(t, HealthStatusUnknown, eff.Status)
	assert.Equal(t, HealthStatusUnhealthy, h.Status, "original must not change")
	assert.Equal(t, HealthStatusUnhealthy, h.Effective(now, 2*time.Minute).Status)
}
