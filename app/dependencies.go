package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/repositories/postgres"
	"github.com/upb/provider-router/repositories/sqlite"
	"github.com/upb/provider-router/services/cost"
	"github.com/upb/provider-router/services/health"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/ollama"
	"github.com/upb/provider-router/services/providers/openai"
	"github.com/upb/provider-router/services/ratelimit"
	"github.com/upb/provider-router/services/routing"
)

const instrumentationName = "github.com/upb/provider-router"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Ledger is the durable cost store; nil with the memory driver
	Ledger repositories.CostRecordRepository

	// Providers
	Registry *providers.Registry
	Health   *health.Monitor

	// Routing
	Policy  *policy.Engine
	Costs   *cost.Tracker
	Limiter *ratelimit.RateLimitService
	Router  *routing.Router

	// AuthMiddleware guards the operator routes; nil when no secret is set
	AuthMiddleware *middleware.AuthMiddleware

	catalog   cost.PriceTable
	runtime   atomic.Pointer[config.Runtime]
	reloadMu  sync.Mutex
	persister *cost.Persister
	watcher   *config.PolicyWatcher
	closers   []func(context.Context) error
	cancel    context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies.
// Background work (health probes, ledger writers, file watching) runs until
// Close.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	rt, err := cfg.LoadRuntime(deps.catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing policy: %w", err)
	}

	if err := deps.initLedger(ctx, cfg, rt.Prices); err != nil {
		deps.shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize cost ledger: %w", err)
	}

	if err := deps.initRouting(ctx, cfg, rt); err != nil {
		deps.shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	deps.initAuth(cfg)

	if err := deps.initWatcher(cfg); err != nil {
		deps.shutdown(ctx)
		return nil, fmt.Errorf("failed to watch policy file: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.Int("providers", deps.Registry.Len()),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.String("mode", string(rt.Policy.Mode)))
	return deps, nil
}

// initProviders builds one adapter per active provider block
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	for _, active := range cfg.Providers.Active() {
		adapter, err := newAdapter(active)
		if err != nil {
			return err
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered provider",
			zap.String("provider", active.Settings.ID),
			zap.String("kind", active.Kind),
			zap.String("tier", string(active.Tier)),
			zap.String("model", active.Settings.DefaultModel))
	}

	if registry.Len() == 0 {
		d.Logger.Warn("no LLM providers configured")
	}

	d.Registry = registry
	d.catalog = cost.PriceTableFromCatalog(registry.Catalog())
	return nil
}

func newAdapter(active config.ActiveProvider) (providers.Adapter, error) {
	caps, err := active.Settings.CapabilitySet()
	if err != nil {
		return nil, err
	}
	pc := providers.ProviderConfig{
		ID:           active.Settings.ID,
		Name:         active.Settings.Name,
		APIKey:       active.Settings.APIKey,
		BaseURL:      active.Settings.BaseURL,
		DefaultModel: active.Settings.DefaultModel,
		Timeout:      active.Settings.Timeout,
		Capabilities: caps.List(),
		Headers:      map[string]string{},
	}

	switch active.Kind {
	case config.KindOllama:
		return ollama.NewOllamaAdapter(pc), nil
	case config.KindOpenAI:
		return openai.NewOpenAIAdapter(pc), nil
	case config.KindOpenRouter:
		// OpenRouter speaks the OpenAI protocol; its prices come from config
		pc.Headers["X-Title"] = "provider-router"
		return openai.NewOpenAIAdapter(pc, openai.WithCatalog()), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", active.Kind)
	}
}

// initLedger opens the configured ledger store, restores recent records and
// starts the background writers
func (d *Dependencies) initLedger(ctx context.Context, cfg *config.Config, prices cost.PriceTable) error {
	switch cfg.Ledger.Driver {
	case config.LedgerMemory:
		d.Costs = cost.NewTracker(prices, nil, d.Logger)
		d.Logger.Warn("cost ledger is in memory only; records are lost on restart")
		return nil

	case config.LedgerSQLite:
		store, err := sqlite.Open(cfg.Ledger.SQLitePath, d.Logger)
		if err != nil {
			return err
		}
		d.Ledger = store
		d.closers = append(d.closers, func(context.Context) error { return store.Close() })

	case config.LedgerPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.closers = append(d.closers, func(context.Context) error { return factory.Close() })
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize ledger schema: %w", err)
		}
		d.Ledger = factory.CostRecords()
		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))

	default:
		return fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}

	d.persister = cost.NewPersister(d.Ledger, d.Logger, cost.PersisterConfig{
		BufferSize:  cfg.Ledger.BufferSize,
		WorkerCount: cfg.Ledger.WorkerCount,
	})
	if err := d.persister.Start(); err != nil {
		return err
	}

	d.Costs = cost.NewTracker(prices, d.persister, d.Logger)
	if cfg.Ledger.RestoreWindow > 0 {
		if _, err := d.Costs.Restore(ctx, d.Ledger, time.Now().Add(-cfg.Ledger.RestoreWindow)); err != nil {
			return err
		}
	}
	return nil
}

// initRouting wires telemetry, health monitoring, policy, rate limits and
// the router
func (d *Dependencies) initRouting(ctx context.Context, cfg *config.Config, rt config.Runtime) error {
	telemetry := observability.TelemetryConfig{
		ServiceName:     cfg.Observability.ServiceName,
		TracesEndpoint:  cfg.Observability.TracesEndpoint,
		MetricsEndpoint: cfg.Observability.MetricsEndpoint,
		MetricsInterval: cfg.Observability.MetricsInterval,
	}

	shutdownTracing, err := observability.SetupTracing(ctx, telemetry)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, shutdownTracing)

	meterProvider, shutdownMetrics, err := observability.SetupMetrics(ctx, telemetry)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, shutdownMetrics)

	metrics, err := observability.NewOTelMetrics(meterProvider.Meter(instrumentationName), d.Costs.TotalsByProvider)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(rt.Policy, d.Registry, d.Logger)
	if err != nil {
		return err
	}
	d.Policy = engine
	rt.Policy = engine.Current()

	d.Limiter = ratelimit.NewRateLimitService(d.Logger)
	d.applyRateLimits(rt.RateLimits)

	d.Health = health.NewMonitor(d.Registry, health.Config{
		Interval:          cfg.Health.Interval,
		FreshnessTTL:      cfg.Health.FreshnessTTL,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
	}, d.Logger)

	monitorCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.Health.Start(monitorCtx)

	d.Router = routing.NewRouter(d.Registry, d.Policy, d.Health, d.Costs, d.Logger,
		routing.WithRateLimiter(d.Limiter),
		routing.WithMetrics(metrics),
		routing.WithTracer(otel.Tracer(instrumentationName)),
	)

	d.runtime.Store(&rt)
	return nil
}

// initAuth builds the operator token check. Without a secret the operator
// routes are served unauthenticated, which config validation only allows
// outside production.
func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.OperatorJWTSecret == "" {
		d.Logger.Warn("OPERATOR_JWT_SECRET not set, operator endpoints are unauthenticated")
		return
	}
	validator := middleware.NewHMACValidator(cfg.Auth.OperatorJWTSecret, cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
}

func (d *Dependencies) initWatcher(cfg *config.Config) error {
	if cfg.Router.PolicyFile == "" || !cfg.Router.WatchPolicyFile {
		return nil
	}

	d.watcher = config.NewPolicyWatcher(cfg.Router.PolicyFile, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Errors are logged by Reload; the previous settings stay active
		_, _ = d.Reload(ctx)
	}, d.Logger)
	return d.watcher.Start()
}

// LedgerWriter returns the background writer of the durable ledger, or nil
// for the in-memory ledger
func (d *Dependencies) LedgerWriter() *cost.Persister {
	return d.persister
}

// Runtime returns the active reloadable settings
func (d *Dependencies) Runtime() config.Runtime {
	return *d.runtime.Load()
}

// Reload re-reads the policy file and swaps policy, prices and rate limits.
// Nothing changes when the new settings are invalid.
func (d *Dependencies) Reload(ctx context.Context) (config.Runtime, error) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if err := ctx.Err(); err != nil {
		return config.Runtime{}, err
	}

	rt, err := d.Config.LoadRuntime(d.catalog)
	if err != nil {
		d.Logger.Error("config reload rejected, keeping previous settings", zap.Error(err))
		return config.Runtime{}, err
	}

	applied, err := d.Policy.Reload(rt.Policy)
	if err != nil {
		return config.Runtime{}, err
	}
	rt.Policy = applied

	d.Costs.SetPrices(rt.Prices)
	d.applyRateLimits(rt.RateLimits)
	d.runtime.Store(&rt)

	d.Logger.Info("runtime settings reloaded",
		zap.Uint64("generation", applied.Generation),
		zap.Int("rate_limits", len(rt.RateLimits)))
	return rt, nil
}

// applyRateLimits configures limits and clears those no longer set
func (d *Dependencies) applyRateLimits(limits map[string]ratelimit.Limit) {
	for id := range d.Limiter.Limits() {
		if _, ok := limits[id]; !ok {
			d.Limiter.Configure(id, ratelimit.Limit{})
		}
	}
	for id, l := range limits {
		d.Limiter.Configure(id, l)
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	err := d.shutdown(ctx)

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if err != nil {
		return fmt.Errorf("errors during shutdown: %w", err)
	}
	return nil
}

func (d *Dependencies) shutdown(ctx context.Context) error {
	var errs []error

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close policy watcher: %w", err))
		}
	}

	if d.cancel != nil {
		d.cancel()
	}
	if d.Health != nil {
		d.Health.Stop()
	}

	if d.persister != nil {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.persister.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush cost ledger: %w", err))
		}
	}

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil

	return errors.Join(errs...)
}
