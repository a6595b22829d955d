package handlers

import (
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/utils"
)

// ProviderLister lists the registered provider identities in priority order
type ProviderLister interface {
	Identities() []providers.Identity
}

// HealthReporter returns the current health of every provider
type HealthReporter interface {
	Health() map[string]models.ProviderHealth
}

// ProviderView is one entry of GET /api/v1/providers
type ProviderView struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Tier         providers.Tier         `json:"tier"`
	Capabilities []providers.Capability `json:"capabilities"`
	Status       models.HealthStatus    `json:"status"`
}

// HealthView is one entry of GET /api/v1/providers/health
type HealthView struct {
	ProviderID          string              `json:"provider_id"`
	Status              models.HealthStatus `json:"status"`
	LastChecked         *time.Time          `json:"last_checked,omitempty"`
	LatencyMs           int64               `json:"latency_ms"`
	LastError           string              `json:"last_error,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
}

// ProviderHandler serves provider identities and health
type ProviderHandler struct {
	providers ProviderLister
	health    HealthReporter
	logger    *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(providers ProviderLister, health HealthReporter, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		providers: providers,
		health:    health,
		logger:    logger,
	}
}

// HandleList handles GET /api/v1/providers
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snapshot := h.health.Health()

	ids := h.providers.Identities()
	out := make([]ProviderView, 0, len(ids))
	for _, id := range ids {
		status := models.HealthStatusUnknown
		if ph, ok := snapshot[id.ID]; ok {
			status = ph.Status
		}
		caps := id.Capabilities.List()
		if caps == nil {
			caps = []providers.Capability{}
		}
		out = append(out, ProviderView{
			ID:           id.ID,
			Name:         id.Name,
			Tier:         id.Tier,
			Capabilities: caps,
			Status:       status,
		})
	}

	if err := utils.WriteOK(w, out); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleHealth handles GET /api/v1/providers/health
func (h *ProviderHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.health.Health()

	out := make([]HealthView, 0, len(snapshot))
	for id, ph := range snapshot {
		view := HealthView{
			ProviderID:          id,
			Status:              ph.Status,
			LatencyMs:           ph.LatencyMs,
			LastError:           ph.LastError,
			ConsecutiveFailures: ph.ConsecutiveFailures,
		}
		if !ph.LastCheckedAt.IsZero() {
			checked := ph.LastCheckedAt.UTC()
			view.LastChecked = &checked
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })

	if err := utils.WriteOK(w, out); err != nil {
		h.logger.Error("failed to write health response", zap.Error(err))
	}
}
