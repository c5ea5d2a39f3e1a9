package drivers

import (
	"fmt"
	"sync"

	"github.com/openfroyo/idler/pkg/engine"
)

// Registry maps resource types to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[ResourceType]Driver
}

// NewRegistry creates a registry holding ds.
func NewRegistry(ds ...Driver) *Registry {
	r := &Registry{drivers: make(map[ResourceType]Driver)}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for d.Type().
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Type()] = d
}

// Get returns the driver for t. A missing driver is a configuration error.
func (r *Registry) Get(t ResourceType) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[t]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("no driver registered for %s", t), nil)
	}
	return d, nil
}

// Types lists registered resource types in canonical order.
func (r *Registry) Types() []ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ResourceType
	for _, t := range AllResourceTypes() {
		if _, ok := r.drivers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
