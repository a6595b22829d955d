// Package health tracks provider liveness with background and on-demand probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Source lists the adapters to monitor
type Source interface {
	List() []providers.Adapter
	Get(id string) (providers.Adapter, error)
}

// Config controls probe cadence and hysteresis
type Config struct {
	// Interval between background probes
	Interval time.Duration

	// FreshnessTTL is how long a probe result is trusted
	FreshnessTTL time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	// RecoveryThreshold is the number of consecutive successes an
	// unhealthy provider needs before it is reported healthy again
	RecoveryThreshold int
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		FreshnessTTL:      30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		RecoveryThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FreshnessTTL <= 0 {
		c.FreshnessTTL = d.FreshnessTTL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	return c
}

// TransitionFunc observes status changes
type TransitionFunc func(prev, next models.ProviderHealth)

type entry struct {
	// probeMu serializes probes for one provider
	probeMu sync.Mutex
	state   atomic.Pointer[models.ProviderHealth]
}

// Monitor owns the health state of every provider
type Monitor struct {
	source Source
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	onTransition TransitionFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a new health monitor
func NewMonitor(source Source, config Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		source:  source,
		config:  config.withDefaults(),
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// OnTransition registers a callback for status changes. Must be called before Start.
func (m *Monitor) OnTransition(fn TransitionFunc) {
	m.onTransition = fn
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.config
}

func (m *Monitor) entryFor(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	return e
}

// Start launches one background probe loop per adapter. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	for _, adapter := range m.source.List() {
		m.wg.Add(1)
		go m.loop(ctx, adapter)
	}

	m.logger.Info("Health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("freshness_ttl", m.config.FreshnessTTL),
		zap.Int("recovery_threshold", m.config.RecoveryThreshold),
	)
}

// Stop terminates the background loops and waits for them to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, adapter providers.Adapter) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.Probe(ctx, adapter)

		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Probe runs one probe against adapter and records the outcome
func (m *Monitor) Probe(ctx context.Context, adapter providers.Adapter) models.ProviderHealth {
	id := adapter.Identity().ID
	e := m.entryFor(id)

	e.probeMu.Lock()
	defer e.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	result := adapter.HealthCheck(probeCtx)
	if probeCtx.Err() != nil && result.Status == models.HealthStatusHealthy {
		result.Status = models.HealthStatusUnhealthy
		result.LastError = fmt.Sprintf("probe exceeded %s", m.config.ProbeTimeout)
	}

	prev := e.state.Load()
	next := m.apply(id, prev, result)
	e.state.Store(&next)

	if prev == nil || prev.Status != next.Status {
		m.transition(prev, next)
	}
	return next
}

// apply folds a probe result into the previous entry with hysteresis
func (m *Monitor) apply(id string, prev *models.ProviderHealth, result models.ProviderHealth) models.ProviderHealth {
	next := models.ProviderHealth{
		ProviderID:      id,
		LastCheckedAt:   m.now(),
		LatencyMs:       result.LatencyMs,
		ReportedVersion: result.ReportedVersion,
	}

	var before models.ProviderHealth
	if prev != nil {
		before = *prev
	} else {
		before.Status = models.HealthStatusUnknown
	}

	if result.Status != models.HealthStatusHealthy {
		next.Status = models.HealthStatusUnhealthy
		next.LastError = result.LastError
		if next.LastError == "" {
			next.LastError = "probe failed"
		}
		next.ConsecutiveFailures = before.ConsecutiveFailures + 1
		return next
	}

	next.ConsecutiveSuccesses = before.ConsecutiveSuccesses + 1
	if before.Status == models.HealthStatusUnhealthy && next.ConsecutiveSuccesses < m.config.RecoveryThreshold {
		next.Status = models.HealthStatusUnhealthy
		next.LastError = before.LastError
		return next
	}
	next.Status = models.HealthStatusHealthy
	return next
}

func (m *Monitor) transition(prev *models.ProviderHealth, next models.ProviderHealth) {
	from := models.HealthStatusUnknown
	if prev != nil {
		from = prev.Status
	}

	fields := []zap.Field{
		zap.String("provider", next.ProviderID),
		zap.String("from", string(from)),
		zap.String("to", string(next.Status)),
		zap.Int64("latency_ms", next.LatencyMs),
	}
	if next.Status == models.HealthStatusUnhealthy {
		m.logger.Warn("Provider unhealthy", append(fields, zap.String("error", next.LastError))...)
	} else {
		m.logger.Info("Provider health changed", fields...)
	}

	if m.onTransition != nil {
		var p models.ProviderHealth
		if prev != nil {
			p = *prev
		} else {
			p = models.ProviderHealth{ProviderID: next.ProviderID, Status: models.HealthStatusUnknown}
		}
		m.onTransition(p, next)
	}
}

// Ensure returns a fresh entry for the provider, probing synchronously when
// the stored entry is missing or stale. Concurrent callers share one probe.
func (m *Monitor) Ensure(ctx context.Context, id string) (models.ProviderHealth, error) {
	adapter, err := m.source.Get(id)
	if err != nil {
		return models.ProviderHealth{}, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("provider %q not registered", id), err)
	}

	if state := m.entryFor(id).state.Load(); state != nil && !state.IsStale(m.now(), m.config.FreshnessTTL) {
		return *state, nil
	}

	// detached so one caller's cancellation does not fail the shared probe
	probeCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(id, func() (interface{}, error) {
		return m.Probe(probeCtx, adapter), nil
	})

	select {
	case res := <-ch:
		return res.Val.(models.ProviderHealth), nil
	case <-ctx.Done():
		return models.ProviderHealth{}, ctx.Err()
	}
}

// Get returns the stored entry with staleness applied, without probing
func (m *Monitor) Get(id string) models.ProviderHealth {
	state := m.entryFor(id).state.Load()
	if state == nil {
		return models.ProviderHealth{ProviderID: id, Status: models.HealthStatusUnknown}
	}
	return state.Effective(m.now(), m.config.FreshnessTTL)
}

// Snapshot returns every provider's entry; stale entries are reported as unknown
func (m *Monitor) Snapshot() map[string]models.ProviderHealth {
	adapters := m.source.List()
	out := make(map[string]models.ProviderHealth, len(adapters))
	for _, a := range adapters {
		id := a.Identity().ID
		out[id] = m.Get(id)
	}
	return out
}

// ProbeAll probes every adapter concurrently and returns the resulting snapshot
func (m *Monitor) ProbeAll(ctx context.Context) map[string]models.ProviderHealth {
	adapters := m.source.List()

	var mu sync.Mutex
	out := make(map[string]models.ProviderHealth, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		g.Go(func() error {
			h := m.Probe(gctx, adapter)
			mu.Lock()
			out[h.ProviderID] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}
