package providers

import (
	"errors"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry manages adapter instances. Registration order is the priority
// of adapters within a tier.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byID     map[string]Adapter
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Adapter),
	}
}

// Register registers an adapter instance
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}

	id := adapter.Identity().ID
	if id == "" {
		return errors.New("provider id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.byID[id] = adapter
	r.adapters = append(r.adapters, adapter)
	return nil
}

// Unregister removes an adapter from the registry
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; !exists {
		return ErrProviderNotFound
	}
	delete(r.byID, id)

	kept := r.adapters[:0]
	for _, a := range r.adapters {
		if a.Identity().ID != id {
			kept = append(kept, a)
		}
	}
	r.adapters = kept
	return nil
}

// Get retrieves an adapter by provider id
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.byID[id]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

// List returns all adapters in registration order
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Identities returns the identities of all adapters in registration order
func (r *Registry) Identities() []Identity {
	adapters := r.List()
	out := make([]Identity, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Identity())
	}
	return out
}

// ByTier returns the adapters of one tier in registration order
func (r *Registry) ByTier(tier Tier) []Adapter {
	var out []Adapter
	for _, a := range r.List() {
		if a.Identity().Tier == tier {
			out = append(out, a)
		}
	}
	return out
}

// HasTier reports whether at least one adapter of tier is registered
func (r *Registry) HasTier(tier Tier) bool {
	return len(r.ByTier(tier)) > 0
}

// Len returns the number of registered adapters
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.adapters)
}

// Catalog returns the model catalog of every adapter that ships one, keyed
// by provider id
func (r *Registry) Catalog() map[string][]ModelInfo {
	out := make(map[string][]ModelInfo)
	for _, a := range r.List() {
		if c, ok := a.(Cataloged); ok {
			out[a.Identity().ID] = c.Models()
		}
	}
	return out
}
