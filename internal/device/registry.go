// SPDX-License-Identifier: MIT

package device

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the set of managed devices. Devices are registered at
// startup from configuration; the set does not change while running.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Add registers a device. Duplicate IDs are a configuration error.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[d.ID()]; exists {
		return fmt.Errorf("duplicate device ID %q", d.ID())
	}
	r.devices[d.ID()] = d
	return nil
}

// Get looks up a device by ID.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// IDs returns the registered device IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns all devices sorted by ID.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID() < devs[j].ID() })
	return devs
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
