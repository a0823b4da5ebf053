package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named engine loaders. Adapters register themselves at init
// time (build-tag dependent for the native engine), the transcriber picks one
// by configured name.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]LoadFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]LoadFunc)}
}

// Register adds a named loader, replacing any previous registration.
func (r *Registry) Register(name string, loader LoadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = loader
}

// Load instantiates an engine via the named loader.
func (r *Registry) Load(name string, cfg Config) (Engine, error) {
	r.mu.RLock()
	loader, ok := r.loaders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (registered: %v)", name, r.List())
	}
	return loader(cfg)
}

// Has returns true when the named loader exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[name]
	return ok
}

// List returns registered loader names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry engine adapters register into.
var Default = NewRegistry()
