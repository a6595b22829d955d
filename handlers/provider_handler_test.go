package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
)

// MockProviderLister is a mock implementation of ProviderLister
type MockProviderLister struct {
	mock.Mock
}

func (m *MockProviderLister) Identities() []providers.Identity {
	args := m.Called()
	return args.Get(0).([]providers.Identity)
}

func TestProviderHandler_HandleList(t *testing.T) {
	lister := new(MockProviderLister)
	lister.On("Identities").Return([]providers.Identity{
		{
			ID:           "local",
			Name:         "ollama",
			Tier:         providers.TierLocal,
			Capabilities: providers.NewCapabilitySet(providers.CapabilityChat, providers.CapabilityJSONMode),
		},
		{
			ID:           "cloud-a",
			Name:         "openai",
			Tier:         providers.TierCloud,
			Capabilities: providers.NewCapabilitySet(providers.CapabilityChat, providers.CapabilityVision),
		},
	})

	reporter := new(MockHealthReporter)
	reporter.On("Health").Return(map[string]models.ProviderHealth{
		"local": {ProviderID: "local", Status: models.HealthStatusHealthy},
	})

	handler := NewProviderHandler(lister, reporter, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	data := decodeBody(t, w)["data"].([]interface{})
	require.Len(t, data, 2)

	local := data[0].(map[string]interface{})
	assert.Equal(t, "local", local["id"])
	assert.Equal(t, "local", local["tier"])
	assert.Equal(t, []interface{}{"chat", "json_mode"}, local["capabilities"])
	assert.Equal(t, "healthy", local["status"])

	cloud := data[1].(map[string]interface{})
	assert.Equal(t, "cloud-a", cloud["id"])
	assert.Equal(t, "cloud", cloud["tier"])
	assert.Equal(t, "unknown", cloud["status"])

	lister.AssertExpectations(t)
	reporter.AssertExpectations(t)
}

func TestProviderHandler_HandleHealth(t *testing.T) {
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reporter := new(MockHealthReporter)
	reporter.On("Health").Return(map[string]models.ProviderHealth{
		"local": {
			ProviderID:          "local",
			Status:              models.HealthStatusUnhealthy,
			LastCheckedAt:       checked,
			LatencyMs:           12,
			LastError:           "connection refused",
			ConsecutiveFailures: 3,
		},
		"cloud-a": {ProviderID: "cloud-a", Status: models.HealthStatusUnknown},
	})

	handler := NewProviderHandler(new(MockProviderLister), reporter, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	data := decodeBody(t, w)["data"].([]interface{})
	require.Len(t, data, 2)

	cloud := data[0].(map[string]interface{})
	assert.Equal(t, "cloud-a", cloud["provider_id"])
	assert.Equal(t, "unknown", cloud["status"])
	assert.NotContains(t, cloud, "last_checked")

	local := data[1].(map[string]interface{})
	assert.Equal(t, "local", local["provider_id"])
	assert.Equal(t, "unhealthy", local["status"])
	assert.Equal(t, "2026-03-01T12:00:00Z", local["last_checked"])
	assert.Equal(t, float64(12), local["latency_ms"])
	assert.Equal(t, "connection refused", local["last_error"])
	assert.Equal(t, float64(3), local["consecutive_failures"])
}
