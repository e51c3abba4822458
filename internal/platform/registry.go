package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry indexes the bridge's devices by id.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	repo Repository

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry. repo may be nil.
func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo, devices: make(map[string]*Device)}
}

// Add registers d. Returns ErrDeviceExists for a duplicate id.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID())
	}
	r.devices[d.ID()] = d
	return nil
}

// Get returns the device with id.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Remove unregisters id and, when purge is set, deletes its persisted
// values.
func (r *Registry) Remove(ctx context.Context, id string, purge bool) error {
	r.mu.Lock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if purge && r.repo != nil {
		return r.repo.DeleteDevice(ctx, id)
	}
	return nil
}

// List returns every device sorted by id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
