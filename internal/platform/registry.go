package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zulandar/switchboard/internal/models"
)

// Registry maps platforms to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Platform]Adapter)}
}

// Register adds an adapter. Registering a second adapter for the same
// platform is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("platform: register: adapter is nil")
	}
	p := a.Platform()
	if !p.Valid() {
		return fmt.Errorf("platform: register: unknown platform %q", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[p]; ok {
		return fmt.Errorf("platform: register: %s already has an adapter", p)
	}
	r.adapters[p] = a
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns the adapter for p.
func (r *Registry) Get(p models.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Parser returns the webhook parser for p, if its adapter has one.
func (r *Registry) Parser(p models.Platform) (WebhookParser, bool) {
	a, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	wp, ok := a.(WebhookParser)
	return wp, ok
}

// Verifier returns the webhook verifier for p, if its adapter has one.
func (r *Registry) Verifier(p models.Platform) (WebhookVerifier, bool) {
	a, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	v, ok := a.(WebhookVerifier)
	return v, ok
}

// Platforms returns the registered platforms in sorted order.
func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
