package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps allowlisted provider names (e.g. "fal-ai/flux/dev") to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register binds a provider name to an adapter, replacing any earlier binding.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalize(name)] = a
}

// Resolve returns the adapter serving name or ErrUnknownProvider.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
