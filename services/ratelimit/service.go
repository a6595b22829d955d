package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/provider-router/services"
)

// Limit is a client-side request budget for one provider
type Limit struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimitService holds one token bucket per provider
type RateLimitService struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Configure sets or removes the limit of a provider. A non-positive rate removes it.
func (s *RateLimitService) Configure(providerID string, limit Limit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit.RequestsPerSecond <= 0 {
		delete(s.limiters, providerID)
		return
	}

	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}

	if existing, ok := s.limiters[providerID]; ok {
		existing.SetLimit(rate.Limit(limit.RequestsPerSecond))
		existing.SetBurst(burst)
	} else {
		s.limiters[providerID] = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	}

	s.logger.Info("Provider rate limit configured",
		zap.String("provider", providerID),
		zap.Float64("rps", limit.RequestsPerSecond),
		zap.Int("burst", burst),
	)
}

func (s *RateLimitService) limiter(providerID string) *rate.Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[providerID]
}

// Wait blocks until the provider's budget admits one request. A wait that
// cannot complete before ctx is done fails with a rate_limited error.
func (s *RateLimitService) Wait(ctx context.Context, providerID string) error {
	l := s.limiter(providerID)
	if l == nil {
		return nil
	}

	if err := l.Wait(ctx); err != nil {
		s.logger.Debug("Client-side rate limit wait failed",
			zap.String("provider", providerID),
			zap.Error(err),
		)
		return services.NewDomainError(services.ErrorTypeRateLimited,
			fmt.Sprintf("client-side rate limit for %s", providerID), err)
	}
	return nil
}

// Allow reports whether a request may proceed now without waiting
func (s *RateLimitService) Allow(providerID string) bool {
	l := s.limiter(providerID)
	if l == nil {
		return true
	}
	return l.Allow()
}

// Limits returns the configured limits by provider
func (s *RateLimitService) Limits() map[string]Limit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Limit, len(s.limiters))
	for id, l := range s.limiters {
		out[id] = Limit{RequestsPerSecond: float64(l.Limit()), Burst: l.Burst()}
	}
	return out
}
