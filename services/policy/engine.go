package policy

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Mode selects which tiers serve requests and in what order
type Mode string

const (
	ModeLocalOnly  Mode = "local_only"
	ModeCloudOnly  Mode = "cloud_only"
	ModeHybrid     Mode = "hybrid"
	ModeCloudFirst Mode = "cloud_first"
)

// ParseMode parses a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocalOnly, ModeCloudOnly, ModeHybrid, ModeCloudFirst:
		return m, nil
	default:
		return "", services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("invalid provider mode %q", s), nil).
			WithDetail("allowed", []Mode{ModeLocalOnly, ModeCloudOnly, ModeHybrid, ModeCloudFirst})
	}
}

// TierOrder returns the tiers a mode admits, primary first
func (m Mode) TierOrder() []providers.Tier {
	switch m {
	case ModeLocalOnly:
		return []providers.Tier{providers.TierLocal}
	case ModeCloudOnly:
		return []providers.Tier{providers.TierCloud}
	case ModeHybrid:
		return []providers.Tier{providers.TierLocal, providers.TierCloud}
	case ModeCloudFirst:
		return []providers.Tier{providers.TierCloud, providers.TierLocal}
	default:
		return nil
	}
}

// Primary returns the tier a mode tries first
func (m Mode) Primary() providers.Tier {
	order := m.TierOrder()
	if len(order) == 0 {
		return ""
	}
	return order[0]
}

// RetryPolicy controls repeated attempts against one provider
type RetryPolicy struct {
	MaxAttempts         int           `json:"max_attempts"`
	BaseDelay           time.Duration `json:"base_delay"`
	MaxDelay            time.Duration `json:"max_delay"`
	RateLimitMultiplier float64       `json:"rate_limit_multiplier"`
	RateLimitMaxDelay   time.Duration `json:"rate_limit_max_delay"`
}

// DefaultLocalRetry is three immediate attempts
func DefaultLocalRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// DefaultCloudRetry is five attempts with capped exponential backoff
func DefaultCloudRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		RateLimitMultiplier: 4,
		RateLimitMaxDelay:   30 * time.Second,
	}
}

// Backoff returns the wait before attempt n+1 after attempt n (zero based)
// failed. retryAfter is the server-requested delay, if any.
func (p RetryPolicy) Backoff(n int, rateLimited bool, retryAfter time.Duration) time.Duration {
	if p.BaseDelay <= 0 && !rateLimited {
		return 0
	}

	delay := p.BaseDelay
	for i := 0; i < n && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if !rateLimited {
		return delay
	}

	mult := p.RateLimitMultiplier
	if mult < 1 {
		mult = 1
	}
	limited := time.Duration(float64(delay) * mult)
	if retryAfter > limited {
		limited = retryAfter
	}
	if p.RateLimitMaxDelay > 0 && limited > p.RateLimitMaxDelay {
		limited = p.RateLimitMaxDelay
	}
	return limited
}

func (p RetryPolicy) validate(name string) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s retry max attempts must be at least 1", name)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.RateLimitMaxDelay < 0 {
		return fmt.Errorf("%s retry delays cannot be negative", name)
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("%s retry base delay exceeds max delay", name)
	}
	if p.RateLimitMultiplier < 0 {
		return fmt.Errorf("%s rate limit multiplier cannot be negative", name)
	}
	return nil
}

// RetrySettings holds the per-tier retry policies
type RetrySettings struct {
	Local RetryPolicy `json:"local"`
	Cloud RetryPolicy `json:"cloud"`
}

// For returns the policy of a tier
func (r RetrySettings) For(tier providers.Tier) RetryPolicy {
	if tier == providers.TierLocal {
		return r.Local
	}
	return r.Cloud
}

// Config is one immutable generation of routing policy
type Config struct {
	Mode           Mode          `json:"mode"`
	StrictMode     bool          `json:"strict_mode"`
	RequestTimeout time.Duration `json:"request_timeout"`
	Retry          RetrySettings `json:"retry"`
	Generation     uint64        `json:"generation"`
	LoadedAt       time.Time     `json:"loaded_at"`
}

// DefaultConfig returns the hybrid, non-strict default
func DefaultConfig() Config {
	return Config{
		Mode:           ModeHybrid,
		RequestTimeout: 120 * time.Second,
		Retry: RetrySettings{
			Local: DefaultLocalRetry(),
			Cloud: DefaultCloudRetry(),
		},
	}
}

// TierSource reports which tiers have registered adapters
type TierSource interface {
	HasTier(tier providers.Tier) bool
}

// Validate checks a config against the registered tiers
func Validate(cfg Config, tiers TierSource) error {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	if cfg.RequestTimeout <= 0 {
		return services.WrapConfiguration("request timeout must be positive", nil)
	}
	if err := cfg.Retry.Local.validate("local"); err != nil {
		return services.WrapConfiguration("invalid retry policy", err)
	}
	if err := cfg.Retry.Cloud.validate("cloud"); err != nil {
		return services.WrapConfiguration("invalid retry policy", err)
	}

	primary := cfg.Mode.Primary()
	if !tiers.HasTier(primary) {
		return services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("mode %s requires a %s provider", cfg.Mode, primary), services.ErrNoProviders).
			WithDetail("mode", cfg.Mode).
			WithDetail("tier", primary)
	}
	return nil
}

// Engine holds the current policy generation and swaps it atomically on reload
type Engine struct {
	current atomic.Pointer[Config]
	tiers   TierSource
	logger  *zap.Logger
	now     func() time.Time

	// reloadMu serializes reloads; readers never take it
	reloadMu sync.Mutex
}

// NewEngine validates cfg and creates the engine at generation 1
func NewEngine(cfg Config, tiers TierSource, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}

	if err := Validate(cfg, tiers); err != nil {
		return nil, err
	}

	cfg.Generation = 1
	cfg.LoadedAt = e.now()
	e.current.Store(&cfg)
	e.warnMissingFallback(cfg)

	logger.Info("Routing policy loaded",
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("strict_mode", cfg.StrictMode),
		zap.Duration("request_timeout", cfg.RequestTimeout),
	)
	return e, nil
}

// Current returns the active generation
func (e *Engine) Current() Config {
	return *e.current.Load()
}

// Reload validates next and makes it the active generation. On failure the
// previous generation stays active.
func (e *Engine) Reload(next Config) (Config, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	prev := e.current.Load()
	if err := Validate(next, e.tiers); err != nil {
		e.logger.Error("Policy reload rejected, keeping previous generation",
			zap.Uint64("generation", prev.Generation),
			zap.Error(err),
		)
		return *prev, err
	}

	next.Generation = prev.Generation + 1
	next.LoadedAt = e.now()
	e.current.Store(&next)
	e.warnMissingFallback(next)

	e.logger.Info("Routing policy reloaded",
		zap.Uint64("generation", next.Generation),
		zap.String("mode", string(next.Mode)),
		zap.String("previous_mode", string(prev.Mode)),
		zap.Bool("strict_mode", next.StrictMode),
	)
	return next, nil
}

func (e *Engine) warnMissingFallback(cfg Config) {
	order := cfg.Mode.TierOrder()
	if len(order) < 2 || cfg.StrictMode {
		return
	}
	if !e.tiers.HasTier(order[1]) {
		e.logger.Warn("Fallback tier has no provider",
			zap.String("mode", string(cfg.Mode)),
			zap.String("tier", string(order[1])),
		)
	}
}
