package trader

import (
	"sort"
	"sync"
)

// Constructor builds a trade adapter from its params. The callbacks in
// Params are already wrapped by the façade when a constructor runs.
type Constructor func(Params) (Exchange, error)

// Registry maps platform names to trade-adapter constructors. The runtime
// registers the adapters it links at boot; nothing registers itself
// behind the caller's back.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a platform name to a constructor, replacing any earlier
// binding.
func (r *Registry) Register(platform string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[platform] = ctor
}

// Lookup returns the constructor for a platform.
func (r *Registry) Lookup(platform string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.constructors[platform]
	return ctor, ok
}

// Platforms lists the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
