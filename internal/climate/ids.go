package climate

import (
	"sort"
	"sync"

	"smartclimate/internal/thermal"
)

// WrappedEntityID names the physical climate device being controlled.
// VirtualEntityID names the smartclimate entity layered on top of it. They
// are distinct types because thermal managers are registered under the
// wrapped ID, and looking one up by the virtual ID silently finds nothing;
// that mistake has burned enough field debugging time to deserve a compile
// error.
type WrappedEntityID string

func (id WrappedEntityID) String() string { return string(id) }

type VirtualEntityID string

func (id VirtualEntityID) String() string { return string(id) }

// Registry holds the thermal managers, keyed by wrapped entity ID only.
type Registry struct {
	mu       sync.RWMutex
	managers map[WrappedEntityID]*thermal.Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[WrappedEntityID]*thermal.Manager)}
}

func (r *Registry) Register(id WrappedEntityID, m *thermal.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[id] = m
}

// Lookup returns the manager for a wrapped entity. Absence is a valid state:
// thermal learning disabled or not yet initialized.
func (r *Registry) Lookup(id WrappedEntityID) (*thermal.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

// Entities returns the registered wrapped entity IDs in stable order.
func (r *Registry) Entities() []WrappedEntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]WrappedEntityID, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
