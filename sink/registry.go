package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maintains a mapping of store names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global store registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new store registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a store builder to the registry.
// The name should match the SinkSystem config value (e.g., "postgres").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Open creates a store using the registered builder for the config's SinkSystem.
func (r *Registry) Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := strings.ToLower(strings.TrimSpace(cfg.GetSinkSystem()))

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown sink: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg)
}

// Names returns the sorted list of registered store names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a store is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a store builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Open creates a store using the default registry.
func Open(ctx context.Context, cfg Config) (Store, error) {
	return DefaultRegistry.Open(ctx, cfg)
}
