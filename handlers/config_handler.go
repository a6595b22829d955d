package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/utils"
)

// RuntimeController exposes and reloads the hot-swappable settings
type RuntimeController interface {
	Runtime() config.Runtime
	Reload(ctx context.Context) (config.Runtime, error)
}

// RetryView is a retry policy with human-readable durations
type RetryView struct {
	MaxAttempts         int     `json:"max_attempts"`
	BaseDelay           string  `json:"base_delay"`
	MaxDelay            string  `json:"max_delay"`
	RateLimitMultiplier float64 `json:"rate_limit_multiplier"`
	RateLimitMaxDelay   string  `json:"rate_limit_max_delay"`
}

// RateLimitView is one provider's token bucket
type RateLimitView struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// ConfigView is the body of GET /api/v1/config
type ConfigView struct {
	Mode           policy.Mode              `json:"mode"`
	StrictMode     bool                     `json:"strict_mode"`
	RequestTimeout string                   `json:"request_timeout"`
	Retry          map[string]RetryView     `json:"retry"`
	Generation     uint64                   `json:"generation"`
	LoadedAt       time.Time                `json:"loaded_at"`
	Prices         cost.PriceTable          `json:"prices"`
	RateLimits     map[string]RateLimitView `json:"rate_limits"`
}

// ConfigHandler serves the operator configuration endpoints
type ConfigHandler struct {
	runtime RuntimeController
	logger  *zap.Logger
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(runtime RuntimeController, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		runtime: runtime,
		logger:  logger,
	}
}

// HandleGet handles GET /api/v1/config
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, newConfigView(h.runtime.Runtime())); err != nil {
		h.logger.Error("failed to write config response", zap.Error(err))
	}
}

// HandleReload handles POST /api/v1/config/reload. A rejected reload keeps
// the previous settings and answers 400.
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	actor := "anonymous"
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		actor = claims.Subject
	}

	rt, err := h.runtime.Reload(r.Context())
	if err != nil {
		if services.IsConfigurationError(err) {
			h.logger.Warn("config reload rejected",
				zap.String("actor", actor),
				zap.Error(err))
			if err := utils.WriteTypedError(w, http.StatusBadRequest, string(services.ErrorTypeConfiguration), err.Error(), nil); err != nil {
				h.logger.Error("failed to write reload error response", zap.Error(err))
			}
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("config reloaded",
		zap.String("actor", actor),
		zap.Uint64("generation", rt.Policy.Generation))

	if err := utils.WriteOK(w, newConfigView(rt)); err != nil {
		h.logger.Error("failed to write reload response", zap.Error(err))
	}
}

func newConfigView(rt config.Runtime) ConfigView {
	limits := make(map[string]RateLimitView, len(rt.RateLimits))
	for id, l := range rt.RateLimits {
		limits[id] = RateLimitView{RequestsPerSecond: l.RequestsPerSecond, Burst: l.Burst}
	}
	prices := rt.Prices
	if prices.Models == nil {
		prices.Models = map[string]map[string]cost.Price{}
	}
	if prices.Defaults == nil {
		prices.Defaults = map[string]cost.Price{}
	}
	return ConfigView{
		Mode:           rt.Policy.Mode,
		StrictMode:     rt.Policy.StrictMode,
		RequestTimeout: rt.Policy.RequestTimeout.String(),
		Retry: map[string]RetryView{
			"local": newRetryView(rt.Policy.Retry.Local),
			"cloud": newRetryView(rt.Policy.Retry.Cloud),
		},
		Generation: rt.Policy.Generation,
		LoadedAt:   rt.Policy.LoadedAt,
		Prices:     prices,
		RateLimits: limits,
	}
}

func newRetryView(p policy.RetryPolicy) RetryView {
	return RetryView{
		MaxAttempts:         p.MaxAttempts,
		BaseDelay:           p.BaseDelay.String(),
		MaxDelay:            p.MaxDelay.String(),
		RateLimitMultiplier: p.RateLimitMultiplier,
		RateLimitMaxDelay:   p.RateLimitMaxDelay.String(),
	}
}
