package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/ratelimit"
)

const samplePolicy = `
mode = "cloud_first"
strict_mode = true
request_timeout = "45s"

[retry.cloud]
max_attempts = 3
base_delay = "250ms"

[prices.cloud-a]
input_per_1k = 0.002

[prices.cloud-a.models."gpt-4o"]
input_per_1k = 0.005
output_per_1k = 0.015

[rate_limits.cloud-b]
requests_per_second = 2.5
burst = 4
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	pf, err := LoadPolicyFile(writePolicy(t, samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "cloud_first", pf.Mode)
	require.NotNil(t, pf.StrictMode)
	assert.True(t, *pf.StrictMode)
	require.NotNil(t, pf.RequestTimeout)
	assert.Equal(t, 45*time.Second, pf.RequestTimeout.Duration)
	require.NotNil(t, pf.Retry.Cloud.MaxAttempts)
	assert.Equal(t, 3, *pf.Retry.Cloud.MaxAttempts)
	assert.Nil(t, pf.Retry.Local.MaxAttempts)
	assert.Contains(t, pf.Prices, "cloud-a")
	assert.Equal(t, RateLimitOverride{RequestsPerSecond: 2.5, Burst: 4}, pf.RateLimits["cloud-b"])
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"unknown key", "mode = \"hybrid\"\nstrict = true\n", "unknown keys: strict"},
		{"invalid mode", "mode = \"fastest\"\n", "invalid provider mode"},
		{"invalid duration", "request_timeout = \"soon\"\n", "invalid duration"},
		{"negative default price", "[prices.cloud-a]\ninput_per_1k = -1.0\n", "negative price"},
		{"negative model price", "[prices.cloud-a.models.m]\noutput_per_1k = -0.5\n", "negative price"},
		{"malformed toml", "mode = \n", "failed to read policy file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicyFile(writePolicy(t, tt.content))
			require.Error(t, err)
			assert.True(t, services.IsConfigurationError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, services.IsConfigurationError(err))
}

func TestPolicyFile_Apply(t *testing.T) {
	pf, err := LoadPolicyFile(writePolicy(t, samplePolicy))
	require.NoError(t, err)

	base := policy.DefaultConfig()
	got := pf.Apply(base)

	assert.Equal(t, policy.ModeCloudFirst, got.Mode)
	assert.True(t, got.StrictMode)
	assert.Equal(t, 45*time.Second, got.RequestTimeout)
	assert.Equal(t, 3, got.Retry.Cloud.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, got.Retry.Cloud.BaseDelay)
	assert.Equal(t, base.Retry.Cloud.MaxDelay, got.Retry.Cloud.MaxDelay, "unset fields keep the base value")
	assert.Equal(t, base.Retry.Local, got.Retry.Local)

	assert.Equal(t, policy.ModeHybrid, base.Mode, "base is not modified")
}

func TestPolicyFile_ApplyPrices(t *testing.T) {
	pf, err := LoadPolicyFile(writePolicy(t, samplePolicy))
	require.NoError(t, err)

	base := cost.NewPriceTable()
	base.SetDefault("cloud-a", cost.Price{InputPer1K: 0.001, OutputPer1K: 0.002})
	base.Set("cloud-a", "gpt-4o-mini", cost.Price{InputPer1K: 0.00015, OutputPer1K: 0.0006})

	got := pf.ApplyPrices(base)

	def, ok := got.Lookup("cloud-a", "unlisted")
	require.True(t, ok)
	assert.Equal(t, cost.Price{InputPer1K: 0.002, OutputPer1K: 0.002}, def, "output keeps the base default")

	p, ok := got.Lookup("cloud-a", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, cost.Price{InputPer1K: 0.005, OutputPer1K: 0.015}, p)

	p, ok = got.Lookup("cloud-a", "gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, 0.00015, p.InputPer1K)

	def, _ = base.Lookup("cloud-a", "unlisted")
	assert.Equal(t, 0.001, def.InputPer1K, "base is not modified")
}

func TestPolicyFile_ApplyRateLimits(t *testing.T) {
	pf := &PolicyFile{RateLimits: map[string]RateLimitOverride{
		"cloud-a": {},
		"cloud-b": {RequestsPerSecond: 1, Burst: 2},
	}}
	base := map[string]ratelimit.Limit{"cloud-a": {RequestsPerSecond: 5, Burst: 5}}

	got := pf.ApplyRateLimits(base)
	assert.Equal(t, ratelimit.Limit{}, got["cloud-a"], "zero rate clears the limit")
	assert.Equal(t, ratelimit.Limit{RequestsPerSecond: 1, Burst: 2}, got["cloud-b"])
	assert.Equal(t, 5.0, base["cloud-a"].RequestsPerSecond)
}

func TestConfig_LoadRuntime(t *testing.T) {
	cfg := validConfig()
	cfg.Retry = RetryConfig{LocalMaxAttempts: 3, CloudMaxAttempts: 5, CloudBaseDelay: 500 * time.Millisecond, CloudMaxDelay: 10 * time.Second}
	cfg.Providers.OpenAI = ProviderSettings{
		Enabled:      true,
		ID:           "cloud-a",
		APIKey:       "sk-test",
		BaseURL:      "https://api.openai.com/v1",
		RateLimitRPS: 5,
		InputPer1K:   0.01,
		OutputPer1K:  0.03,
	}

	catalog := cost.NewPriceTable()
	catalog.Set("cloud-a", "gpt-4o", cost.Price{InputPer1K: 0.0025, OutputPer1K: 0.01})

	t.Run("environment only", func(t *testing.T) {
		rt, err := cfg.LoadRuntime(catalog)
		require.NoError(t, err)

		assert.Equal(t, policy.ModeHybrid, rt.Policy.Mode)
		assert.Equal(t, ratelimit.Limit{RequestsPerSecond: 5}, rt.RateLimits["cloud-a"])

		p, ok := rt.Prices.Lookup("cloud-a", "gpt-4o")
		require.True(t, ok)
		assert.Equal(t, 0.0025, p.InputPer1K, "catalog price wins for a listed model")

		p, ok = rt.Prices.Lookup("cloud-a", "other")
		require.True(t, ok)
		assert.Equal(t, 0.01, p.InputPer1K)
	})

	t.Run("with policy file", func(t *testing.T) {
		withFile := *cfg
		withFile.Router.PolicyFile = writePolicy(t, samplePolicy)

		rt, err := withFile.LoadRuntime(catalog)
		require.NoError(t, err)

		assert.Equal(t, policy.ModeCloudFirst, rt.Policy.Mode)
		assert.Equal(t, 3, rt.Policy.Retry.Cloud.MaxAttempts)
		assert.Equal(t, 2.5, rt.RateLimits["cloud-b"].RequestsPerSecond)

		p, _ := rt.Prices.Lookup("cloud-a", "gpt-4o")
		assert.Equal(t, 0.005, p.InputPer1K)
	})

	t.Run("invalid policy file", func(t *testing.T) {
		withFile := *cfg
		withFile.Router.PolicyFile = writePolicy(t, "mode = \"nope\"\n")

		_, err := withFile.LoadRuntime(catalog)
		assert.True(t, services.IsConfigurationError(err))
	})
}
