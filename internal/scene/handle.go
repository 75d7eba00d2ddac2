// SPDX-License-Identifier: MIT

package scene

import (
	"github.com/pidicon/pidicon/internal/state"
)

// Handle is a scene's view into the state store, bound to one device
// and scene name. Keys are namespaced so scenes cannot read or clobber
// each other's state.
type Handle struct {
	store     *state.Store
	deviceID  string
	sceneName string
}

// NewHandle binds a handle to (deviceID, sceneName).
func NewHandle(store *state.Store, deviceID, sceneName string) *Handle {
	return &Handle{store: store, deviceID: deviceID, sceneName: sceneName}
}

func (h *Handle) key(k string) string {
	return h.sceneName + "." + k
}

// Get reads a scene state value.
func (h *Handle) Get(key string) (any, bool) {
	return h.store.Get(state.NamespaceScene, h.deviceID, h.key(key))
}

// GetInt reads an integer scene state value.
func (h *Handle) GetInt(key string, def int) int {
	return h.store.GetInt(state.NamespaceScene, h.deviceID, h.key(key), def)
}

// GetString reads a string scene state value.
func (h *Handle) GetString(key, def string) string {
	return h.store.GetString(state.NamespaceScene, h.deviceID, h.key(key), def)
}

// Set writes a scene state value. Scene state stays in memory; it is
// never journaled.
func (h *Handle) Set(key string, value any) {
	h.store.Set(state.NamespaceScene, h.deviceID, h.key(key), value)
}
