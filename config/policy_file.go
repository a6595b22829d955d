package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/ratelimit"
)

// Duration is a time.Duration written as a Go duration string ("500ms", "2m")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// PolicyFile is the reloadable TOML policy document. Every field is optional;
// unset fields keep the environment value.
type PolicyFile struct {
	Mode           string                       `toml:"mode"`
	StrictMode     *bool                        `toml:"strict_mode"`
	RequestTimeout *Duration                    `toml:"request_timeout"`
	Retry          RetryOverrides               `toml:"retry"`
	Prices         map[string]PriceOverride     `toml:"prices"`
	RateLimits     map[string]RateLimitOverride `toml:"rate_limits"`
}

// RetryOverrides holds the per-tier retry overrides
type RetryOverrides struct {
	Local RetryOverride `toml:"local"`
	Cloud RetryOverride `toml:"cloud"`
}

// RetryOverride overrides single fields of a retry policy
type RetryOverride struct {
	MaxAttempts         *int      `toml:"max_attempts"`
	BaseDelay           *Duration `toml:"base_delay"`
	MaxDelay            *Duration `toml:"max_delay"`
	RateLimitMultiplier *float64  `toml:"rate_limit_multiplier"`
	RateLimitMaxDelay   *Duration `toml:"rate_limit_max_delay"`
}

// PriceOverride is the price section of one provider
type PriceOverride struct {
	InputPer1K  *float64              `toml:"input_per_1k"`
	OutputPer1K *float64              `toml:"output_per_1k"`
	Models      map[string]cost.Price `toml:"models"`
}

// RateLimitOverride is the client-side limit of one provider
type RateLimitOverride struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// LoadPolicyFile reads and checks a policy file. Unknown keys are rejected
// so a typo never silently falls back to a default.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	var pf PolicyFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return nil, services.WrapConfiguration(fmt.Sprintf("failed to read policy file %s", path), err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("policy file %s has unknown keys: %s", path, strings.Join(keys, ", ")), nil)
	}

	if pf.Mode != "" {
		if _, err := policy.ParseMode(pf.Mode); err != nil {
			return nil, err
		}
	}
	for id, p := range pf.Prices {
		if negative(p.InputPer1K) || negative(p.OutputPer1K) {
			return nil, services.WrapConfiguration(fmt.Sprintf("policy file %s: negative price for %s", path, id), nil)
		}
		for model, mp := range p.Models {
			if mp.InputPer1K < 0 || mp.OutputPer1K < 0 {
				return nil, services.WrapConfiguration(
					fmt.Sprintf("policy file %s: negative price for %s/%s", path, id, model), nil)
			}
		}
	}
	return &pf, nil
}

func negative(v *float64) bool {
	return v != nil && *v < 0
}

// Apply returns base with the file's routing overrides applied
func (pf *PolicyFile) Apply(base policy.Config) policy.Config {
	out := base
	if pf.Mode != "" {
		// validated on load
		out.Mode, _ = policy.ParseMode(pf.Mode)
	}
	if pf.StrictMode != nil {
		out.StrictMode = *pf.StrictMode
	}
	if pf.RequestTimeout != nil {
		out.RequestTimeout = pf.RequestTimeout.Duration
	}
	out.Retry.Local = pf.Retry.Local.apply(out.Retry.Local)
	out.Retry.Cloud = pf.Retry.Cloud.apply(out.Retry.Cloud)
	return out
}

func (o RetryOverride) apply(p policy.RetryPolicy) policy.RetryPolicy {
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.BaseDelay != nil {
		p.BaseDelay = o.BaseDelay.Duration
	}
	if o.MaxDelay != nil {
		p.MaxDelay = o.MaxDelay.Duration
	}
	if o.RateLimitMultiplier != nil {
		p.RateLimitMultiplier = *o.RateLimitMultiplier
	}
	if o.RateLimitMaxDelay != nil {
		p.RateLimitMaxDelay = o.RateLimitMaxDelay.Duration
	}
	return p
}

// ApplyPrices returns base merged with the file's price overrides
func (pf *PolicyFile) ApplyPrices(base cost.PriceTable) cost.PriceTable {
	overrides := cost.NewPriceTable()
	for id, p := range pf.Prices {
		if p.InputPer1K != nil || p.OutputPer1K != nil {
			def, _ := base.Lookup(id, "")
			if p.InputPer1K != nil {
				def.InputPer1K = *p.InputPer1K
			}
			if p.OutputPer1K != nil {
				def.OutputPer1K = *p.OutputPer1K
			}
			overrides.SetDefault(id, def)
		}
		for model, mp := range p.Models {
			overrides.Set(id, model, mp)
		}
	}
	return base.Merge(overrides)
}

// ApplyRateLimits returns base with the file's limits applied. A zero rate
// removes the provider's limit.
func (pf *PolicyFile) ApplyRateLimits(base map[string]ratelimit.Limit) map[string]ratelimit.Limit {
	out := make(map[string]ratelimit.Limit, len(base)+len(pf.RateLimits))
	for id, l := range base {
		out[id] = l
	}
	for id, l := range pf.RateLimits {
		out[id] = ratelimit.Limit{RequestsPerSecond: l.RequestsPerSecond, Burst: l.Burst}
	}
	return out
}

// Runtime is the reloadable part of the configuration
type Runtime struct {
	Policy     policy.Config
	Prices     cost.PriceTable
	RateLimits map[string]ratelimit.Limit
}

// LoadRuntime builds the reloadable settings from the environment and, when
// configured, the policy file. catalog holds the adapter-declared prices.
func (c *Config) LoadRuntime(catalog cost.PriceTable) (Runtime, error) {
	base, err := c.BasePolicy()
	if err != nil {
		return Runtime{}, err
	}

	prices := catalog.Merge(c.envPrices())
	limits := c.envRateLimits()

	if c.Router.PolicyFile == "" {
		return Runtime{Policy: base, Prices: prices, RateLimits: limits}, nil
	}

	pf, err := LoadPolicyFile(c.Router.PolicyFile)
	if err != nil {
		return Runtime{}, err
	}
	return Runtime{
		Policy:     pf.Apply(base),
		Prices:     pf.ApplyPrices(prices),
		RateLimits: pf.ApplyRateLimits(limits),
	}, nil
}

// envPrices returns the provider default prices set through the environment
func (c *Config) envPrices() cost.PriceTable {
	t := cost.NewPriceTable()
	for _, a := range c.Providers.Active() {
		if a.Settings.InputPer1K > 0 || a.Settings.OutputPer1K > 0 {
			t.SetDefault(a.Settings.ID, cost.Price{
				InputPer1K:  a.Settings.InputPer1K,
				OutputPer1K: a.Settings.OutputPer1K,
			})
		}
	}
	return t
}

func (c *Config) envRateLimits() map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit)
	for _, a := range c.Providers.Active() {
		if a.Settings.RateLimitRPS > 0 {
			limits[a.Settings.ID] = ratelimit.Limit{
				RequestsPerSecond: a.Settings.RateLimitRPS,
				Burst:             a.Settings.RateLimitBurst,
			}
		}
	}
	return limits
}
