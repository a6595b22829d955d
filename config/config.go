package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
)

// Ledger drivers
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Ledger        LedgerConfig
	Auth          AuthConfig
	Router        RouterConfig
	Health        HealthConfig
	Retry         RetryConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// LedgerConfig selects where cost records are persisted
type LedgerConfig struct {
	Driver        string
	SQLitePath    string
	RestoreWindow time.Duration
	BufferSize    int
	WorkerCount   int
}

// AuthConfig protects the operator endpoints
type AuthConfig struct {
	OperatorJWTSecret string
	Issuer            string
}

// RouterConfig is the environment part of the routing policy
type RouterConfig struct {
	Mode            string
	StrictMode      bool
	RequestTimeout  time.Duration
	PolicyFile      string
	WatchPolicyFile bool
}

// HealthConfig tunes the health monitor
type HealthConfig struct {
	Interval          time.Duration
	FreshnessTTL      time.Duration
	ProbeTimeout      time.Duration
	RecoveryThreshold int
}

// RetryConfig overrides the per-tier retry defaults
type RetryConfig struct {
	LocalMaxAttempts    int
	CloudMaxAttempts    int
	CloudBaseDelay      time.Duration
	CloudMaxDelay       time.Duration
	RateLimitMultiplier float64
	RateLimitMaxDelay   time.Duration
}

// ProvidersConfig holds the per-provider settings
type ProvidersConfig struct {
	Local      ProviderSettings
	OpenAI     ProviderSettings
	OpenRouter ProviderSettings
}

// ProviderSettings is one provider block, read from <PREFIX>_* variables
type ProviderSettings struct {
	Enabled        bool          `env:"ENABLED"`
	ID             string        `env:"ID"`
	Name           string        `env:"NAME"`
	BaseURL        string        `env:"BASE_URL"`
	APIKey         string        `env:"API_KEY"`
	DefaultModel   string        `env:"MODEL"`
	Timeout        time.Duration `env:"TIMEOUT"`
	Capabilities   []string      `env:"CAPABILITIES" envSeparator:","`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST"`
	InputPer1K     float64       `env:"PRICE_INPUT_PER_1K"`
	OutputPer1K    float64       `env:"PRICE_OUTPUT_PER_1K"`
}

// CapabilitySet converts the declared capabilities
func (p ProviderSettings) CapabilitySet() (providers.CapabilitySet, error) {
	set := providers.NewCapabilitySet()
	for _, raw := range p.Capabilities {
		c := providers.Capability(strings.ToLower(strings.TrimSpace(raw)))
		if c == "" {
			continue
		}
		if !c.IsKnown() {
			return nil, fmt.Errorf("provider %s: unknown capability %q", p.ID, raw)
		}
		set.Add(c)
	}
	return set, nil
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel        string
	LogFormat       string // json or console
	ServiceName     string
	TracesEndpoint  string
	MetricsEndpoint string
	MetricsInterval time.Duration
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 150*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Ledger: LedgerConfig{
			Driver:        strings.ToLower(getEnv("LEDGER_DRIVER", LedgerMemory)),
			SQLitePath:    getEnv("LEDGER_SQLITE_PATH", "data/ledger.db"),
			RestoreWindow: getEnvAsDuration("LEDGER_RESTORE_WINDOW", 31*24*time.Hour),
			BufferSize:    getEnvAsInt("LEDGER_BUFFER_SIZE", 10000),
			WorkerCount:   getEnvAsInt("LEDGER_WORKERS", 2),
		},
		Auth: AuthConfig{
			OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
			Issuer:            getEnv("OPERATOR_JWT_ISSUER", ""),
		},
		Router: RouterConfig{
			Mode:            getEnv("ROUTER_MODE", string(policy.ModeHybrid)),
			StrictMode:      getEnvAsBool("ROUTER_STRICT_MODE", false),
			RequestTimeout:  getEnvAsDuration("ROUTER_REQUEST_TIMEOUT", 120*time.Second),
			PolicyFile:      getEnv("ROUTER_POLICY_FILE", ""),
			WatchPolicyFile: getEnvAsBool("ROUTER_WATCH_POLICY_FILE", true),
		},
		Health: HealthConfig{
			Interval:          getEnvAsDuration("HEALTH_INTERVAL", 30*time.Second),
			FreshnessTTL:      getEnvAsDuration("HEALTH_FRESHNESS_TTL", 30*time.Second),
			ProbeTimeout:      getEnvAsDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
			RecoveryThreshold: getEnvAsInt("HEALTH_RECOVERY_THRESHOLD", 2),
		},
		Retry: RetryConfig{
			LocalMaxAttempts:    getEnvAsInt("RETRY_LOCAL_MAX_ATTEMPTS", 3),
			CloudMaxAttempts:    getEnvAsInt("RETRY_CLOUD_MAX_ATTEMPTS", 5),
			CloudBaseDelay:      getEnvAsDuration("RETRY_CLOUD_BASE_DELAY", 500*time.Millisecond),
			CloudMaxDelay:       getEnvAsDuration("RETRY_CLOUD_MAX_DELAY", 10*time.Second),
			RateLimitMultiplier: getEnvAsFloat("RETRY_RATE_LIMIT_MULTIPLIER", 4),
			RateLimitMaxDelay:   getEnvAsDuration("RETRY_RATE_LIMIT_MAX_DELAY", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogFormat:       getEnv("LOG_FORMAT", "json"),
			ServiceName:     getEnv("OTEL_SERVICE_NAME", "provider-router"),
			TracesEndpoint:  getEnv("OTEL_ENDPOINT", ""),
			MetricsEndpoint: getEnv("OTEL_METRICS_ENDPOINT", ""),
			MetricsInterval: getEnvAsDuration("OTEL_METRICS_INTERVAL", 30*time.Second),
		},
	}

	providersCfg, err := loadProviders()
	if err != nil {
		return nil, services.WrapConfiguration("invalid provider settings", err)
	}
	cfg.Providers = providersCfg

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadProviders() (ProvidersConfig, error) {
	p := ProvidersConfig{
		Local: ProviderSettings{
			Enabled:      true,
			ID:           "local",
			Name:         "ollama",
			BaseURL:      "http://localhost:11434",
			DefaultModel: "llama3.2",
			Timeout:      120 * time.Second,
			Capabilities: []string{"chat", "json_mode"},
		},
		OpenAI: ProviderSettings{
			Enabled:      true,
			ID:           "cloud-a",
			Name:         "openai",
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
			Timeout:      60 * time.Second,
			Capabilities: []string{"chat", "function_calling", "json_mode", "vision"},
		},
		OpenRouter: ProviderSettings{
			Enabled:      true,
			ID:           "cloud-b",
			Name:         "openrouter",
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "meta-llama/llama-3.1-70b-instruct",
			Timeout:      60 * time.Second,
			Capabilities: []string{"chat", "function_calling"},
			InputPer1K:   0.0005,
			OutputPer1K:  0.0008,
		},
	}

	blocks := []struct {
		prefix string
		target *ProviderSettings
	}{
		{"LOCAL_", &p.Local},
		{"OPENAI_", &p.OpenAI},
		{"OPENROUTER_", &p.OpenRouter},
	}
	for _, b := range blocks {
		if err := env.ParseWithOptions(b.target, env.Options{Prefix: b.prefix}); err != nil {
			return ProvidersConfig{}, fmt.Errorf("parse %s* env: %w", b.prefix, err)
		}
	}
	return p, nil
}

// ActiveProvider is an enabled provider block with its tier
type ActiveProvider struct {
	Settings ProviderSettings
	Tier     providers.Tier
	Kind     string
}

// Provider kinds
const (
	KindOllama     = "ollama"
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
)

// Active returns the providers to register, in priority order. A cloud
// provider without an API key is skipped.
func (p ProvidersConfig) Active() []ActiveProvider {
	var out []ActiveProvider
	if p.Local.Enabled {
		out = append(out, ActiveProvider{Settings: p.Local, Tier: providers.TierLocal, Kind: KindOllama})
	}
	if p.OpenAI.Enabled && p.OpenAI.APIKey != "" {
		out = append(out, ActiveProvider{Settings: p.OpenAI, Tier: providers.TierCloud, Kind: KindOpenAI})
	}
	if p.OpenRouter.Enabled && p.OpenRouter.APIKey != "" {
		out = append(out, ActiveProvider{Settings: p.OpenRouter, Tier: providers.TierCloud, Kind: KindOpenRouter})
	}
	return out
}

// HasTier reports whether an active provider serves tier
func (p ProvidersConfig) HasTier(tier providers.Tier) bool {
	for _, a := range p.Active() {
		if a.Tier == tier {
			return true
		}
	}
	return false
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	mode, err := policy.ParseMode(c.Router.Mode)
	if err != nil {
		return err
	}

	// the mode's primary tier needs a provider with credentials
	if primary := mode.Primary(); !c.Providers.HasTier(primary) {
		msg := fmt.Sprintf("mode %s requires a %s provider", mode, primary)
		if primary == providers.TierCloud {
			msg += ": set OPENAI_API_KEY or OPENROUTER_API_KEY"
		}
		return services.NewDomainError(services.ErrorTypeConfiguration, msg, services.ErrMissingCredential)
	}

	seen := make(map[string]bool)
	for _, a := range c.Providers.Active() {
		if a.Settings.ID == "" {
			return services.WrapConfiguration("provider id is required", nil)
		}
		if seen[a.Settings.ID] {
			return services.WrapConfiguration(fmt.Sprintf("duplicate provider id %q", a.Settings.ID), nil)
		}
		seen[a.Settings.ID] = true

		if _, err := url.ParseRequestURI(a.Settings.BaseURL); err != nil {
			return services.WrapConfiguration(fmt.Sprintf("provider %s: invalid base url", a.Settings.ID), err)
		}
		if _, err := a.Settings.CapabilitySet(); err != nil {
			return services.WrapConfiguration("invalid provider capabilities", err)
		}
	}

	if c.Router.RequestTimeout <= 0 {
		return services.WrapConfiguration("router request timeout must be positive", nil)
	}
	if c.Health.RecoveryThreshold < 1 {
		return services.WrapConfiguration("health recovery threshold must be at least 1", nil)
	}

	switch c.Ledger.Driver {
	case LedgerMemory, LedgerSQLite:
	case LedgerPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return services.WrapConfiguration("database configuration required: set DATABASE_URL or DB_HOST", nil)
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return services.WrapConfiguration("database user is required", nil)
			}
			if c.Database.Database == "" {
				return services.WrapConfiguration("database name is required", nil)
			}
		}
	default:
		return services.WrapConfiguration(fmt.Sprintf("unknown ledger driver %q", c.Ledger.Driver), nil)
	}

	if c.IsProduction() && c.Auth.OperatorJWTSecret == "" {
		return services.WrapConfiguration("operator JWT secret is required in production", nil)
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return services.WrapConfiguration("log level is required", nil)
	}

	return nil
}

// BasePolicy builds the routing policy from environment settings alone
func (c *Config) BasePolicy() (policy.Config, error) {
	mode, err := policy.ParseMode(c.Router.Mode)
	if err != nil {
		return policy.Config{}, err
	}

	cloud := policy.DefaultCloudRetry()
	cloud.MaxAttempts = c.Retry.CloudMaxAttempts
	cloud.BaseDelay = c.Retry.CloudBaseDelay
	cloud.MaxDelay = c.Retry.CloudMaxDelay
	cloud.RateLimitMultiplier = c.Retry.RateLimitMultiplier
	cloud.RateLimitMaxDelay = c.Retry.RateLimitMaxDelay

	local := policy.DefaultLocalRetry()
	local.MaxAttempts = c.Retry.LocalMaxAttempts

	return policy.Config{
		Mode:           mode,
		StrictMode:     c.Router.StrictMode,
		RequestTimeout: c.Router.RequestTimeout,
		Retry:          policy.RetrySettings{Local: local, Cloud: cloud},
	}, nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "router")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "router")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
