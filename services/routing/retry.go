package routing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
)

// invoke runs the health gate and the tier's retry policy against one
// adapter. primaryTier decides whether a model override is forwarded.
func (r *Router) invoke(ctx context.Context, cfg policy.Config, adapter providers.Adapter, primaryTier providers.Tier,
	req *providers.ChatRequest, logger *zap.Logger) (*providers.ChatResponse, error) {
	id := adapter.Identity()
	logger = logger.With(zap.String("provider", id.ID), zap.String("tier", string(id.Tier)))

	logger.Debug("Checking provider health", zap.String("state", string(StateProbing)))
	h, err := r.health.Ensure(ctx, id.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, providers.ClassifyTransportError(id.ID, ctx.Err())
		}
		return nil, providers.NewAdapterError(id.ID, services.ErrorTypeUnavailable, "health check failed", 0, err)
	}
	if h.Status == models.HealthStatusUnhealthy {
		logger.Info("Skipping unhealthy provider", zap.String("last_error", h.LastError))
		r.metrics.RecordError(ctx, id.ID, string(services.ErrorTypeUnavailable))
		return nil, providers.NewAdapterError(id.ID, services.ErrorTypeUnavailable,
			fmt.Sprintf("provider unhealthy: %s", h.LastError), 0, nil)
	}

	call := req
	if req.Model != "" && id.Tier != primaryTier {
		// a model name chosen for one tier means nothing to the other
		clone := *req
		clone.Model = ""
		call = &clone
	}

	retry := cfg.Retry.For(id.Tier)
	var lastErr error
	for n := 0; n < retry.MaxAttempts; n++ {
		if n > 0 {
			delay := retry.Backoff(n-1, services.IsRateLimitedError(lastErr), providers.RetryAfterOf(lastErr))
			logger.Debug("Retrying provider",
				zap.String("state", string(StateRetryingSameProvider)),
				zap.Int("attempt", n+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		if id.Tier == providers.TierCloud && r.limiter != nil {
			if err := r.limiter.Wait(ctx, id.ID); err != nil {
				lastErr = err
				r.metrics.RecordError(ctx, id.ID, string(services.ErrorTypeRateLimited))
				if ctx.Err() != nil {
					return nil, lastErr
				}
				continue
			}
		}

		resp, err := r.attempt(ctx, adapter, call, n+1, logger)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		errType := services.ErrorTypeOf(err)
		r.metrics.RecordError(ctx, id.ID, string(errType))

		if ctx.Err() != nil || !errType.Retryable() {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// attempt makes one adapter call inside its own span. Untyped adapter
// errors are reported as unknown.
func (r *Router) attempt(ctx context.Context, adapter providers.Adapter, req *providers.ChatRequest, n int, logger *zap.Logger) (*providers.ChatResponse, error) {
	id := adapter.Identity().ID

	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("provider", id),
		attribute.Int("attempt", n),
	))
	defer span.End()

	logger.Debug("Invoking provider", zap.String("state", string(StateInvoking)), zap.Int("attempt", n))

	resp, err := adapter.Chat(ctx, req)
	if err != nil {
		if services.ErrorTypeOf(err) == "" {
			err = providers.NewAdapterError(id, services.ErrorTypeUnknown, "unclassified adapter failure", 0, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(services.ErrorTypeOf(err)))
		return nil, err
	}
	if resp == nil {
		err := providers.NewAdapterError(id, services.ErrorTypeUnknown, "adapter returned no response", 0, nil)
		span.SetStatus(codes.Error, string(services.ErrorTypeUnknown))
		return nil, err
	}
	return resp, nil
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
