package host

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a host from free-form provider settings.
type Factory func(settings map[string]any) (Host, error)

// Registry maps provider names to host factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice replaces it.
func (r *Registry) Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[key] = factory
	r.mu.Unlock()
}

// Build creates the host registered under name.
func (r *Registry) Build(name string, settings map[string]any) (Host, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown host provider %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	h, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("host provider %s: %w", key, err)
	}
	return h, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
