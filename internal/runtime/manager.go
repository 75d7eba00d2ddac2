// SPDX-License-Identifier: MIT

package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Manager holds the per-device workers and is the single entry point
// the ingress layers (bus router, REST API) use to reach them.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{workers: make(map[string]*Worker)}
}

// Add registers a worker. Called once per device at startup.
func (m *Manager) Add(w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[w.DeviceID()]; exists {
		return fmt.Errorf("worker for device %q already registered", w.DeviceID())
	}
	m.workers[w.DeviceID()] = w
	return nil
}

// Get looks up a device's worker.
func (m *Manager) Get(deviceID string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[deviceID]
	return w, ok
}

// IDs returns the managed device IDs in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Workers returns all workers sorted by device ID.
func (m *Manager) Workers() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID() < out[j].DeviceID() })
	return out
}

// Snapshots returns the current state of every device, sorted by ID.
func (m *Manager) Snapshots() []StateSnapshot {
	workers := m.Workers()
	out := make([]StateSnapshot, len(workers))
	for i, w := range workers {
		out[i] = w.Snapshot()
	}
	return out
}
