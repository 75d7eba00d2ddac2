// SPDX-License-Identifier: MIT

// Package state implements the authoritative runtime state store.
//
// The store keeps namespaced per-device key/value state in memory and
// journals the device namespace to a single JSON document on disk. The
// devices themselves have no persistent storage, so this journal is the
// source of truth across daemon restarts.
//
// Persistence policy:
//   - Plain writes are debounced: the first Set after a flush arms a
//     timer (default 2s) and all writes inside the window coalesce into
//     one journal write.
//   - Critical writes (display power, brightness, active scene, play
//     state) flush immediately after the Set so an abrupt kill inside
//     the debounce window cannot lose them.
//   - The journal write is atomic (write-temp-then-rename) so a crash
//     mid-write leaves either the old file or the new file.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Namespaces used by the daemon. The device namespace is the only one
// that is journaled to disk.
const (
	NamespaceDevice = "device"
	NamespaceScene  = "scene"
)

// Well-known device namespace keys.
const (
	KeyDisplayOn          = "displayOn"
	KeyBrightness         = "brightness"
	KeyActiveScene        = "activeScene"
	KeyActiveScenePayload = "activeScenePayload"
	KeyPlayState          = "playState"
	KeyLoggingLevel       = "loggingLevel"
	KeyDriver             = "driver"
)

// DefaultDebounce is the journal debounce window.
const DefaultDebounce = 2 * time.Second

// Store is the in-memory keyed state with a write-behind journal.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	writeMu  sync.Mutex // serializes journal writes so an older snapshot never lands over a newer one
	data     map[string]map[string]map[string]any // namespace -> deviceID -> key -> value
	daemon   DaemonMeta
	extra    map[string]json.RawMessage // unknown top-level document keys, preserved on rewrite
	path     string
	debounce time.Duration
	logger   *slog.Logger

	persist bool
	dirty   bool
	timer   *time.Timer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDebounce overrides the journal debounce window.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		s.debounce = d
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store journaling to path. Persistence is enabled; call
// DisablePersistence for in-memory-only operation (tests).
func New(path string, opts ...StoreOption) *Store {
	s := &Store{
		data:     make(map[string]map[string]map[string]any),
		extra:    make(map[string]json.RawMessage),
		path:     path,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		persist:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value for (namespace, deviceID, key), and whether it
// was present. Get never fails.
func (s *Store) Get(ns, deviceID, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs, ok := s.data[ns]
	if !ok {
		return nil, false
	}
	kv, ok := devs[deviceID]
	if !ok {
		return nil, false
	}
	v, ok := kv[key]
	return v, ok
}

// GetDefault returns the value or def when absent.
func (s *Store) GetDefault(ns, deviceID, key string, def any) any {
	if v, ok := s.Get(ns, deviceID, key); ok {
		return v
	}
	return def
}

// GetBool returns a boolean value, coercing as needed. JSON round trips
// keep bools intact, but callers may have stored other types.
func (s *Store) GetBool(ns, deviceID, key string, def bool) bool {
	v, ok := s.Get(ns, deviceID, key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// GetInt returns an integer value. JSON decoding yields float64 for all
// numbers, so both int and float64 are accepted.
func (s *Store) GetInt(ns, deviceID, key string, def int) int {
	v, ok := s.Get(ns, deviceID, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetString returns a string value or def.
func (s *Store) GetString(ns, deviceID, key string, def string) string {
	v, ok := s.Get(ns, deviceID, key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

// Set stores a value and schedules a debounced journal write. Set never
// fails; journal errors surface on flush and are logged.
func (s *Store) Set(ns, deviceID, key string, value any) {
	s.mu.Lock()
	s.setLocked(ns, deviceID, key, value)
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// SetCritical stores a value and flushes the journal immediately. The
// flush error, if any, is returned so callers can surface it; the
// in-memory write always succeeds.
func (s *Store) SetCritical(ns, deviceID, key string, value any) error {
	s.mu.Lock()
	s.setLocked(ns, deviceID, key, value)
	s.mu.Unlock()
	return s.Flush()
}

func (s *Store) setLocked(ns, deviceID, key string, value any) {
	devs, ok := s.data[ns]
	if !ok {
		devs = make(map[string]map[string]any)
		s.data[ns] = devs
	}
	kv, ok := devs[deviceID]
	if !ok {
		kv = make(map[string]any)
		devs[deviceID] = kv
	}
	kv[key] = value
	if ns == NamespaceDevice {
		s.dirty = true
	}
}

// scheduleFlushLocked arms the debounce timer if persistence is on and
// no flush is already scheduled. Caller holds s.mu.
func (s *Store) scheduleFlushLocked() {
	if !s.persist || !s.dirty || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("debounced state flush failed", "error", err)
		}
	})
}

// DeviceView returns a copy of the persisted state for one device.
func (s *Store) DeviceView(deviceID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := make(map[string]any)
	if devs, ok := s.data[NamespaceDevice]; ok {
		for k, v := range devs[deviceID] {
			view[k] = v
		}
	}
	return view
}

// Devices returns the device IDs present in the device namespace.
func (s *Store) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := s.data[NamespaceDevice]
	ids := make([]string, 0, len(devs))
	for id := range devs {
		ids = append(ids, id)
	}
	return ids
}

// SetDaemonStart records the daemon start timestamp (ms since epoch).
func (s *Store) SetDaemonStart(ts int64) {
	s.mu.Lock()
	s.daemon.StartTs = ts
	s.daemon.HeartbeatTs = ts
	s.dirty = true
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// TouchHeartbeat refreshes the daemon heartbeat timestamp.
func (s *Store) TouchHeartbeat(ts int64) {
	s.mu.Lock()
	s.daemon.HeartbeatTs = ts
	s.dirty = true
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// DaemonMeta returns the current daemon metadata.
func (s *Store) DaemonMeta() DaemonMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon
}

// Snapshot returns the current persisted-state document.
func (s *Store) Snapshot() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *Document {
	doc := &Document{
		Version:   DocumentVersion,
		UpdatedAt: time.Now().UnixMilli(),
		Daemon:    s.daemon,
		Devices:   make(map[string]map[string]any),
		extra:     make(map[string]json.RawMessage, len(s.extra)),
	}
	for id, kv := range s.data[NamespaceDevice] {
		cp := make(map[string]any, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		doc.Devices[id] = cp
	}
	for k, v := range s.extra {
		doc.extra[k] = v
	}
	return doc
}

// Flush writes the journal synchronously. It is idempotent: when no
// device-namespace write happened since the last flush it returns
// immediately. Any pending debounce timer is cancelled.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.persist || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := s.snapshotLocked()
	path := s.path
	// Cleared at snapshot time: a Set landing while the file write is
	// in flight re-dirties and arms its own flush instead of being
	// marked clean without ever reaching disk.
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.redirty()
		return fmt.Errorf("failed to encode state document: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		s.redirty()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// redirty restores the dirty flag after a failed journal write so the
// unflushed snapshot is retried.
func (s *Store) redirty() {
	s.mu.Lock()
	s.dirty = true
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// Restore loads the journal from disk. A missing or malformed file
// resets to empty state with a warning; Restore is never fatal.
func (s *Store) Restore() error {
	data, err := os.ReadFile(s.path) // #nosec G304 - path is from configuration
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no state file found, starting empty", "path", s.path)
			return nil
		}
		s.logger.Warn("failed to read state file, starting empty", "path", s.path, "error", err)
		return nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("malformed state file, starting empty", "path", s.path, "error", err)
		return nil
	}

	s.mu.Lock()
	s.daemon = doc.Daemon
	s.data[NamespaceDevice] = make(map[string]map[string]any, len(doc.Devices))
	for id, kv := range doc.Devices {
		cp := make(map[string]any, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		s.data[NamespaceDevice][id] = cp
	}
	s.extra = doc.extra
	if s.extra == nil {
		s.extra = make(map[string]json.RawMessage)
	}
	s.dirty = false
	s.mu.Unlock()

	s.logger.Info("restored state", "path", s.path, "devices", len(doc.Devices))
	return nil
}

// DisablePersistence stops all journaling and cancels any pending
// debounce timer. For tests.
func (s *Store) DisablePersistence() {
	s.mu.Lock()
	s.persist = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// Close cancels pending timers and performs a final flush.
func (s *Store) Close() error {
	return s.Flush()
}
