// Package routing selects a provider for each chat request, runs the
// per-tier retry policy and performs at most one cross-provider fallback.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/capability"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
)

const tracerName = "github.com/upb/provider-router/services/routing"

// State is a step of the per-request state machine, used in logs
type State string

const (
	StateSelecting            State = "selecting"
	StateProbing              State = "probing"
	StateInvoking             State = "invoking"
	StateRetryingSameProvider State = "retrying_same_provider"
	StateFallingBack          State = "falling_back"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
)

// AdapterSource lists the registered adapters in registration order
type AdapterSource interface {
	List() []providers.Adapter
}

// PolicySource returns the active policy generation
type PolicySource interface {
	Current() policy.Config
}

// HealthChecker answers whether a provider may be used right now
type HealthChecker interface {
	Ensure(ctx context.Context, id string) (models.ProviderHealth, error)
	Snapshot() map[string]models.ProviderHealth
}

// Limiter is a client-side per-provider request budget
type Limiter interface {
	Wait(ctx context.Context, providerID string) error
}

// Option configures a Router
type Option func(*Router)

// WithRateLimiter waits on l before every cloud attempt
func WithRateLimiter(l Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// Router is the data-plane entry point
type Router struct {
	adapters AdapterSource
	policy   PolicySource
	health   HealthChecker
	costs    *cost.Tracker
	limiter  Limiter
	metrics  observability.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a new router
func NewRouter(adapters AdapterSource, policy PolicySource, health HealthChecker, costs *cost.Tracker, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		adapters: adapters,
		policy:   policy,
		health:   health,
		costs:    costs,
		metrics:  observability.NopMetrics{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat routes one request. A failure is a *services.DomainError for invalid
// input or capability/configuration problems, otherwise a *services.ProviderError.
func (r *Router) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, services.ErrEmptyMessages
	}
	// the caller owns req
	own := *req
	req = &own
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	start := r.now()
	cfg := r.policy.Current()

	timeout := cfg.RequestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "router.chat", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("mode", string(cfg.Mode)),
		attribute.Bool("strict_mode", cfg.StrictMode),
	))
	defer span.End()

	logger := observability.WithRequestID(ctx, r.logger).With(
		zap.String("request_id", req.RequestID),
		zap.String("mode", string(cfg.Mode)),
		zap.Uint64("policy_generation", cfg.Generation),
	)
	logger.Debug("Routing request", zap.String("state", string(StateSelecting)))

	candidates, err := capability.Match(cfg.Mode.TierOrder(), req.RequiredCapabilities(), r.adapters.List())
	if err != nil {
		logger.Warn("No candidate provider", zap.String("state", string(StateFailed)), zap.Error(err))
		r.fail(ctx, span, start, "", err)
		return nil, err
	}

	primary := candidates[0]
	attempted := []string{primary.Identity().ID}

	resp, err := r.invoke(ctx, cfg, primary, primary.Identity().Tier, req, logger)
	if err == nil {
		return r.succeed(ctx, span, start, req, primary, resp, attempted, false, logger)
	}

	if perr := r.terminal(ctx, cfg, err, attempted, len(candidates) > 1); perr != nil {
		logger.Warn("Request failed",
			zap.String("state", string(StateFailed)),
			zap.Strings("providers", attempted),
			zap.Error(perr),
		)
		r.fail(ctx, span, start, primary.Identity().ID, perr)
		return nil, perr
	}

	fallback := candidates[1]
	attempted = append(attempted, fallback.Identity().ID)
	logger.Info("Falling back to next provider",
		zap.String("state", string(StateFallingBack)),
		zap.String("from", primary.Identity().ID),
		zap.String("to", fallback.Identity().ID),
		zap.Error(err),
	)
	span.AddEvent("fallback", trace.WithAttributes(attribute.String("provider", fallback.Identity().ID)))

	resp, err = r.invoke(ctx, cfg, fallback, primary.Identity().Tier, req, logger)
	if err == nil {
		return r.succeed(ctx, span, start, req, fallback, resp, attempted, true, logger)
	}

	perr := r.exhausted(ctx, err, attempted, true)
	logger.Warn("Request failed after fallback",
		zap.String("state", string(StateFailed)),
		zap.Strings("providers", attempted),
		zap.Error(perr),
	)
	r.fail(ctx, span, start, fallback.Identity().ID, perr)
	return nil, perr
}

// terminal decides whether the primary's failure ends the request. It
// returns nil when exactly one fallback may be attempted.
func (r *Router) terminal(ctx context.Context, cfg policy.Config, err error, attempted []string, hasFallback bool) error {
	if ctx.Err() != nil {
		return r.exhausted(ctx, err, attempted, false)
	}
	if services.IsCapabilityUnsupportedError(err) {
		return services.NewProviderError(services.ErrorTypeCapabilityUnsupported, attempted, false,
			"provider rejected a required capability", err)
	}
	if cfg.StrictMode {
		return services.NewProviderError(services.ErrorTypeStrictModeViolation, attempted, false,
			fmt.Sprintf("primary provider %s failed and strict mode forbids fallback", attempted[0]), err)
	}
	if !hasFallback {
		return r.exhausted(ctx, err, attempted, false)
	}
	return nil
}

// exhausted builds the final error once no provider is left to try
func (r *Router) exhausted(ctx context.Context, err error, attempted []string, fallback bool) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := "request deadline exceeded"
		if errors.Is(ctxErr, context.Canceled) {
			msg = "request canceled"
		}
		return services.NewProviderError(services.ErrorTypeTimeout, attempted, fallback, msg, err)
	}

	errType := services.ErrorTypeOf(err)
	if errType == "" {
		errType = services.ErrorTypeUnknown
	}
	return services.NewProviderError(errType, attempted, fallback, "all attempted providers failed", err)
}

func (r *Router) succeed(ctx context.Context, span trace.Span, start time.Time, req *providers.ChatRequest,
	adapter providers.Adapter, resp *providers.ChatResponse, attempted []string, fallback bool, logger *zap.Logger) (*providers.ChatResponse, error) {
	id := adapter.Identity()

	rec, err := r.costs.Record(ctx, cost.Entry{
		RequestID:    req.RequestID,
		ProviderID:   id.ID,
		Tier:         id.Tier,
		Model:        resp.PricedModel(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Timestamp:    r.now(),
	})
	if err != nil {
		// the provider already answered; a ledger failure must not lose the response
		logger.Error("Failed to record cost", zap.String("provider", id.ID), zap.Error(err))
	}

	resp.RequestID = req.RequestID
	resp.ProviderID = id.ID
	resp.CostUSD = rec.CostUSD
	resp.FallbackAttempted = fallback
	resp.AttemptedProviders = attempted
	resp.Latency = r.now().Sub(start)

	outcome := observability.OutcomeSuccess
	if fallback {
		outcome = observability.OutcomeFallback
	}
	r.metrics.RecordRequest(ctx, observability.RequestLabels{Provider: id.ID, Outcome: outcome}, resp.Latency)
	r.metrics.RecordTokens(ctx, id.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	span.SetAttributes(
		attribute.String("provider", id.ID),
		attribute.Bool("fallback_attempted", fallback),
		attribute.Float64("cost_usd", rec.CostUSD),
	)
	span.SetStatus(codes.Ok, "")

	logger.Info("Request routed",
		zap.String("state", string(StateSucceeded)),
		zap.String("provider", id.ID),
		zap.String("model", resp.Model),
		zap.Bool("fallback_attempted", fallback),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Duration("latency", resp.Latency),
	)
	return resp, nil
}

func (r *Router) fail(ctx context.Context, span trace.Span, start time.Time, provider string, err error) {
	if provider == "" {
		provider = "none"
	}
	r.metrics.RecordRequest(ctx, observability.RequestLabels{Provider: provider, Outcome: observability.OutcomeFailure}, r.now().Sub(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(services.ErrorTypeOf(err)))
}

// Health returns the current health of every provider
func (r *Router) Health() map[string]models.ProviderHealth {
	return r.health.Snapshot()
}

// Usage summarizes recorded spend over [from, to)
func (r *Router) Usage(from, to time.Time) (models.UsageSummary, error) {
	return r.costs.Summary(from, to)
}
