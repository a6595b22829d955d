// Package providertest provides a scripted Adapter for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Result is one scripted Chat outcome. A zero Result succeeds.
type Result struct {
	Err   error
	Delay time.Duration
	Usage providers.Usage
}

// Fake is an in-memory Adapter whose Chat and HealthCheck outcomes are scripted
type Fake struct {
	identity providers.Identity

	mu        sync.Mutex
	script    []Result
	fallback  Result
	healthy   bool
	chatCalls int
	probes    int
	probeHook func()
}

// New creates a healthy fake with chat capability plus caps
func New(id string, tier providers.Tier, caps ...providers.Capability) *Fake {
	set := providers.NewCapabilitySet(providers.CapabilityChat)
	for _, c := range caps {
		set.Add(c)
	}
	return &Fake{
		identity: providers.Identity{ID: id, Name: id, Tier: tier, Capabilities: set},
		healthy:  true,
		fallback: Result{Usage: providers.Usage{InputTokens: 10, OutputTokens: 20}},
	}
}

// Script queues Chat results consumed in order; once drained the default result is used
func (f *Fake) Script(results ...Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
	return f
}

// FailAlways makes every unscripted Chat call fail with errType
func (f *Fake) FailAlways(errType services.ErrorType) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = Result{Err: providers.NewAdapterError(f.identity.ID, errType, "scripted failure", 0, nil)}
	return f
}

// SetHealthy sets the outcome of subsequent probes
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// OnProbe registers a hook run inside every HealthCheck
func (f *Fake) OnProbe(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeHook = hook
}

// ChatCalls returns the number of Chat invocations
func (f *Fake) ChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

// Probes returns the number of HealthCheck invocations
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Identity implements providers.Adapter
func (f *Fake) Identity() providers.Identity {
	return f.identity
}

// Chat implements providers.Adapter
func (f *Fake) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.chatCalls++
	res := f.fallback
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, providers.ClassifyTransportError(f.identity.ID, ctx.Err())
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}

	model := req.Model
	if model == "" {
		model = f.identity.ID + "-model"
	}
	return &providers.ChatResponse{
		ID:           "fake-" + f.identity.ID,
		Content:      "ok from " + f.identity.ID,
		ProviderID:   f.identity.ID,
		Model:        model,
		Usage:        res.Usage,
		FinishReason: "stop",
	}, nil
}

// HealthCheck implements providers.Adapter
func (f *Fake) HealthCheck(ctx context.Context) models.ProviderHealth {
	f.mu.Lock()
	f.probes++
	healthy := f.healthy
	hook := f.probeHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	h := models.ProviderHealth{
		ProviderID:    f.identity.ID,
		Status:        models.HealthStatusHealthy,
		LastCheckedAt: time.Now(),
	}
	if !healthy {
		h.Status = models.HealthStatusUnhealthy
		h.LastError = "scripted unhealthy"
	}
	return h
}
