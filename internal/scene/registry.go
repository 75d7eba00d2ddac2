// SPDX-License-Identifier: MIT

package scene

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pidicon/pidicon/internal/device"
)

// Registration describes one available scene.
type Registration struct {
	// Name is the scene's command name. Unique within the registry.
	Name string

	// WantsLoop marks continuously rendering scenes. One-shot scenes
	// render a single frame and keep it on screen.
	WantsLoop bool

	// DeviceKinds restricts the scene to certain hardware. Empty means
	// any device.
	DeviceKinds []device.Kind

	// Tags are free-form labels surfaced in listings.
	Tags []string

	// ConfigSchema optionally describes the payload keys the scene
	// understands, surfaced in listings so clients can build forms.
	ConfigSchema map[string]any

	// Hidden scenes are omitted from listings but still switchable by
	// name (diagnostics, internal test scenes).
	Hidden bool

	// SortOrder orders listings; ties break by name.
	SortOrder int

	// New constructs a fresh instance for one activation.
	New func() Scene
}

// SupportsKind reports whether the scene can run on the given hardware.
func (r Registration) SupportsKind(kind device.Kind) bool {
	if len(r.DeviceKinds) == 0 {
		return true
	}
	for _, k := range r.DeviceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry is the set of available scenes. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	scenes map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scenes: make(map[string]Registration)}
}

// Register adds a scene. Names must be unique and the constructor
// non-nil.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("scene name cannot be empty")
	}
	if reg.New == nil {
		return fmt.Errorf("scene %q has no constructor", reg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenes[reg.Name]; exists {
		return fmt.Errorf("scene %q already registered", reg.Name)
	}
	r.scenes[reg.Name] = reg
	return nil
}

// Get looks up a scene by name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.scenes[name]
	return reg, ok
}

// List returns visible scenes sorted by SortOrder then name.
func (r *Registry) List() []Registration {
	return r.list(false)
}

// ListAll returns every scene including hidden ones.
func (r *Registry) ListAll() []Registration {
	return r.list(true)
}

func (r *Registry) list(includeHidden bool) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.scenes))
	for _, reg := range r.scenes {
		if reg.Hidden && !includeHidden {
			continue
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}
