package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/providertest"
)

func newTestMonitor(t *testing.T, cfg Config, adapters ...providers.Adapter) *Monitor {
	t.Helper()
	reg := providers.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return NewMonitor(reg, cfg, zap.NewNop())
}

func TestDefaultConfig(t *testing.T) {
	m := newTestMonitor(t, Config{})

	cfg := m.Config()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 30*time.Second, cfg.FreshnessTTL)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 2, cfg.RecoveryThreshold)
}

func TestMonitor_Hysteresis(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, DefaultConfig(), local)
	ctx := context.Background()

	// unknown -> healthy on a single success
	h := m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)
	assert.Equal(t, 1, h.ConsecutiveSuccesses)

	local.SetHealthy(false)
	h = m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusUnhealthy, h.Status)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, 0, h.ConsecutiveSuccesses)
	assert.NotEmpty(t, h.LastError)

	local.SetHealthy(true)
	h = m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusUnhealthy, h.Status, "one success is not enough to recover")
	assert.Equal(t, 1, h.ConsecutiveSuccesses)

	h = m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)
	assert.Equal(t, 2, h.ConsecutiveSuccesses)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}

func TestMonitor_HysteresisResetByFailure(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, Config{RecoveryThreshold: 3}, local)
	ctx := context.Background()

	local.SetHealthy(false)
	m.Probe(ctx, local)

	local.SetHealthy(true)
	m.Probe(ctx, local)
	m.Probe(ctx, local)

	local.SetHealthy(false)
	m.Probe(ctx, local)

	local.SetHealthy(true)
	h := m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusUnhealthy, h.Status)
	h = m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusUnhealthy, h.Status)
	h = m.Probe(ctx, local)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)
}

func TestMonitor_EnsureUsesFreshEntry(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, DefaultConfig(), local)

	h, err := m.Ensure(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)

	_, err = m.Ensure(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, 1, local.Probes())
}

func TestMonitor_EnsureReprobesStaleEntry(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, DefaultConfig(), local)

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.Ensure(context.Background(), "local")
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	assert.Equal(t, models.HealthStatusUnknown, m.Get("local").Status, "stale entry reads as unknown")
	assert.Equal(t, models.HealthStatusUnknown, m.Snapshot()["local"].Status)

	h, err := m.Ensure(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)
	assert.Equal(t, 2, local.Probes())
}

func TestMonitor_EnsureSharesConcurrentProbe(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, DefaultConfig(), local)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	local.OnProbe(func() {
		once.Do(func() { close(started) })
		<-release
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Ensure(context.Background(), "local")
			assert.NoError(t, err)
			assert.Equal(t, models.HealthStatusHealthy, h.Status)
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, local.Probes())
}

func TestMonitor_ProvidersDoNotBlockEachOther(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	cloud := providertest.New("cloud-a", providers.TierCloud)
	m := newTestMonitor(t, DefaultConfig(), local, cloud)

	release := make(chan struct{})
	local.OnProbe(func() { <-release })
	defer close(release)

	go m.Ensure(context.Background(), "local")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := m.Ensure(ctx, "cloud-a")
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusHealthy, h.Status)
}

func TestMonitor_EnsureHonorsCallerContext(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, DefaultConfig(), local)

	release := make(chan struct{})
	local.OnProbe(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Ensure(ctx, "local")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMonitor_EnsureUnknownProvider(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	_, err := m.Ensure(context.Background(), "ghost")
	assert.True(t, services.IsNotFoundError(err))
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, Config{ProbeTimeout: 10 * time.Millisecond}, local)

	local.OnProbe(func() { time.Sleep(30 * time.Millisecond) })

	h := m.Probe(context.Background(), local)
	assert.Equal(t, models.HealthStatusUnhealthy, h.Status)
	assert.Contains(t, h.LastError, "probe exceeded")
}

func TestMonitor_ProbeAll(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	cloud := providertest.New("cloud-a", providers.TierCloud)
	cloud.SetHealthy(false)
	m := newTestMonitor(t, DefaultConfig(), local, cloud)

	snap := m.ProbeAll(context.Background())

	require.Len(t, snap, 2)
	assert.Equal(t, models.HealthStatusHealthy, snap["local"].Status)
	assert.Equal(t, models.HealthStatusUnhealthy, snap["cloud-a"].Status)
}

func TestMonitor_StartProbesImmediately(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, Config{Interval: time.Hour}, local)

	var mu sync.Mutex
	var transitions []models.HealthStatus
	m.OnTransition(func(prev, next models.ProviderHealth) {
		mu.Lock()
		transitions = append(transitions, next.Status)
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool { return local.Probes() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == models.HealthStatusHealthy
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	local := providertest.New("local", providers.TierLocal)
	m := newTestMonitor(t, Config{Interval: 10 * time.Millisecond}, local)

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return local.Probes() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	probes := local.Probes()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, probes, local.Probes())
}
