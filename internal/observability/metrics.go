package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeFailure  = "failure"
)

// Metrics collects router metrics.
type Metrics interface {
	RecordRequest(ctx context.Context, labels RequestLabels, duration time.Duration)
	RecordError(ctx context.Context, provider, errorType string)
	RecordTokens(ctx context.Context, provider string, input, output int)
}

// RequestLabels contains metric dimensions.
type RequestLabels struct {
	Provider string
	Outcome  string
}

// CostSource reports cumulative spend per provider
type CostSource func() map[string]float64

// OTelMetrics records router metrics through an OpenTelemetry meter
type OTelMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	tokens   metric.Int64Counter
}

// NewOTelMetrics creates the router instruments on meter. costs, when not
// nil, backs the cumulative cost gauge.
func NewOTelMetrics(meter metric.Meter, costs CostSource) (*OTelMetrics, error) {
	requests, err := meter.Int64Counter("router.requests",
		metric.WithDescription("Routed chat requests by final provider and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram("router.request.duration",
		metric.WithDescription("End-to-end routed request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	errs, err := meter.Int64Counter("router.errors",
		metric.WithDescription("Failed provider attempts by error type"))
	if err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}

	tokens, err := meter.Int64Counter("router.tokens",
		metric.WithDescription("Tokens consumed by provider and direction"))
	if err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}

	if costs != nil {
		_, err = meter.Float64ObservableGauge("router.cost.usd",
			metric.WithDescription("Cumulative spend per provider"),
			metric.WithUnit("USD"),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				for provider, total := range costs() {
					o.Observe(total, metric.WithAttributes(attribute.String("provider", provider)))
				}
				return nil
			}))
		if err != nil {
			return nil, fmt.Errorf("create cost gauge: %w", err)
		}
	}

	return &OTelMetrics{
		requests: requests,
		duration: duration,
		errors:   errs,
		tokens:   tokens,
	}, nil
}

// RecordRequest counts one routed request and its duration
func (m *OTelMetrics) RecordRequest(ctx context.Context, labels RequestLabels, d time.Duration) {
	provider := attribute.String("provider", labels.Provider)
	m.requests.Add(ctx, 1, metric.WithAttributes(provider, attribute.String("outcome", labels.Outcome)))
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(provider))
}

// RecordError counts one failed attempt
func (m *OTelMetrics) RecordError(ctx context.Context, provider, errorType string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("error_type", errorType),
	))
}

// RecordTokens counts consumed tokens
func (m *OTelMetrics) RecordTokens(ctx context.Context, provider string, input, output int) {
	p := attribute.String("provider", provider)
	if input > 0 {
		m.tokens.Add(ctx, int64(input), metric.WithAttributes(p, attribute.String("direction", "input")))
	}
	if output > 0 {
		m.tokens.Add(ctx, int64(output), metric.WithAttributes(p, attribute.String("direction", "output")))
	}
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordRequest(context.Context, RequestLabels, time.Duration) {}
func (NopMetrics) RecordError(context.Context, string, string)                {}
func (NopMetrics) RecordTokens(context.Context, string, int, int)             {}
