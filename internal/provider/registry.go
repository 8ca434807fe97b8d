package provider

import (
	"sort"
	"sync"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// Registry maps providers by name and by the entity types they support.
// Multiple providers may target the same entity type (ip_reputation and
// geo_risk both consume IPs); an entity type with no registered providers is
// still valid and simply yields an empty assessment.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
	byType map[entity.Type][]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
		byType: make(map[entity.Type][]Provider),
	}
}

// Register adds a provider. Re-registering a name replaces the previous
// provider for direct lookups but keeps registration order for fan-out.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; !exists {
		for _, t := range p.SupportedTypes() {
			r.byType[t] = append(r.byType[t], p)
		}
	}
	r.byName[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// ForType returns the providers that support the given entity type, in
// registration order.
func (r *Registry) ForType(t entity.Type) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.byType[t]))
	copy(out, r.byType[t])
	return out
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
