package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string             `json:"status"`
	Timestamp     string             `json:"timestamp"`
	Checks        map[string]string  `json:"checks,omitempty"`
	LedgerBacklog *LedgerBacklogView `json:"ledger_backlog,omitempty"`
}

// LedgerBacklogView reports records waiting for the durable ledger
type LedgerBacklogView struct {
	Pending  int  `json:"pending"`
	Capacity int  `json:"capacity"`
	Workers  int  `json:"workers"`
	Running  bool `json:"running"`
}

// LedgerPinger verifies the cost ledger backend is reachable
type LedgerPinger interface {
	Ping(ctx context.Context) error
}

// LedgerWriter exposes the background ledger writer's queue
type LedgerWriter interface {
	GetStats() cost.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	ledger    LedgerPinger
	writer    LedgerWriter
	providers HealthReporter
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. A nil ledger means the
// in-memory ledger is in use and the check always passes.
func NewHealthHandler(ledger LedgerPinger, providers HealthReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		ledger:    ledger,
		providers: providers,
		logger:    logger,
	}
}

// WithLedgerWriter adds the durable ledger writer to readiness. A stopped
// writer or a full queue fails the check since new records would be lost.
func (h *HealthHandler) WithLedgerWriter(w LedgerWriter) *HealthHandler {
	h.writer = w
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Ready when the ledger answers and at least one provider is routable
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkLedger(ctx); err != nil {
		h.logger.Warn("ledger health check failed", zap.Error(err))
		checks["ledger"] = "unhealthy"
		allHealthy = false
	} else {
		checks["ledger"] = "healthy"
	}

	var backlog *LedgerBacklogView
	if h.writer != nil {
		stats := h.writer.GetStats()
		backlog = &LedgerBacklogView{
			Pending:  stats.PendingRecords,
			Capacity: stats.BufferSize,
			Workers:  stats.WorkerCount,
			Running:  stats.Started,
		}
		if !stats.Started || stats.PendingRecords >= stats.BufferSize {
			h.logger.Warn("ledger writer cannot accept records",
				zap.Bool("running", stats.Started),
				zap.Int("pending", stats.PendingRecords),
				zap.Int("capacity", stats.BufferSize))
			checks["ledger_writer"] = "unhealthy"
			allHealthy = false
		} else {
			checks["ledger_writer"] = "healthy"
		}
	}

	if h.routable() {
		checks["providers"] = "healthy"
	} else {
		h.logger.Warn("no routable provider")
		checks["providers"] = "unhealthy"
		allHealthy = false
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Checks:        checks,
		LedgerBacklog: backlog,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkLedger(ctx context.Context) error {
	if h.ledger == nil {
		return nil
	}
	return h.ledger.Ping(ctx)
}

// routable reports whether any provider is not known to be down.
// Unknown counts as routable since the router probes before use.
func (h *HealthHandler) routable() bool {
	if h.providers == nil {
		return false
	}
	for _, ph := range h.providers.Health() {
		if ph.Status != models.HealthStatusUnhealthy {
			return true
		}
	}
	return false
}
