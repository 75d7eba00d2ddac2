// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/pidicon/config.yaml"

// DefaultStatePath is the default location of the runtime state journal.
// On container deployments /data is the persistent volume.
const DefaultStatePath = "/data/runtime-state.json"

// Config represents the complete PIDICON daemon configuration.
type Config struct {
	// Devices contains the managed devices keyed by device ID (usually the
	// network address of the panel, e.g. "192.168.1.100").
	Devices map[string]DeviceConfig `yaml:"devices" koanf:"devices"`

	// Web contains the REST/WebSocket server settings.
	Web WebConfig `yaml:"web" koanf:"web"`

	// MQTT contains the message-bus ingress settings.
	MQTT MQTTConfig `yaml:"mqtt" koanf:"mqtt"`

	// State contains persistence settings for the runtime state journal.
	State StateConfig `yaml:"state" koanf:"state"`

	// Watchdog contains device liveness probing settings.
	Watchdog WatchdogConfig `yaml:"watchdog" koanf:"watchdog"`

	// Render contains render loop settings shared by all devices.
	Render RenderConfig `yaml:"render" koanf:"render"`

	// LockFile is the daemon single-instance lock path.
	LockFile string `yaml:"lock_file" koanf:"lock_file"`
}

// DeviceConfig describes a single managed pixel display.
type DeviceConfig struct {
	Type    string `yaml:"type" koanf:"type"`         // "pixoo64" or "matrix"
	BaseURL string `yaml:"base_url" koanf:"base_url"` // HTTP endpoint of the device
	// StatsURL is an optional HTTP stats endpoint used for watchdog probes
	// on matrix devices; pixoo64 panels are probed through BaseURL.
	StatsURL string `yaml:"stats_url" koanf:"stats_url"`
	// Driver selects the initial driver mode, "real" or "mock". The
	// persisted driver choice from a previous run takes precedence.
	Driver string `yaml:"driver" koanf:"driver"`
}

// WebConfig contains HTTP server settings.
type WebConfig struct {
	Port int    `yaml:"port" koanf:"port"` // PIXOO_WEB_PORT
	Host string `yaml:"host" koanf:"host"`
}

// Addr returns the listen address for the web server.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// MQTTConfig contains message-bus connection settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" koanf:"enabled"`
	BrokerURL string `yaml:"broker_url" koanf:"broker_url"` // e.g. "tcp://broker:1883"
	Username string `yaml:"username" koanf:"username"`
	Password string `yaml:"password" koanf:"password"`
	Prefix   string `yaml:"prefix" koanf:"prefix"` // topic prefix, default "pixoo"
	ClientID string `yaml:"client_id" koanf:"client_id"`
}

// StateConfig contains state journal persistence settings.
type StateConfig struct {
	Path         string        `yaml:"path" koanf:"path"`
	Debounce     time.Duration `yaml:"debounce" koanf:"debounce"`           // journal debounce window
	FlushTimeout time.Duration `yaml:"flush_timeout" koanf:"flush_timeout"` // shutdown flush bound
}

// WatchdogConfig contains device liveness probe settings.
type WatchdogConfig struct {
	Interval      time.Duration `yaml:"interval" koanf:"interval"`             // probe cadence
	ProbeTimeout  time.Duration `yaml:"probe_timeout" koanf:"probe_timeout"`   // per-probe timeout
	DegradedAfter int           `yaml:"degraded_after" koanf:"degraded_after"` // consecutive failures before degraded
	OfflineAfter  int           `yaml:"offline_after" koanf:"offline_after"`   // consecutive failures before offline
	Cooldown      time.Duration `yaml:"cooldown" koanf:"cooldown"`             // pause after a remediation command
}

// RenderConfig contains render loop settings.
type RenderConfig struct {
	PushTimeout time.Duration `yaml:"push_timeout" koanf:"push_timeout"` // transport push timeout
}

// LoadConfig reads and parses the configuration file.
//
// Parameters:
//   - path: Path to YAML configuration file
//
// Returns:
//   - *Config: Parsed configuration
//   - error: if file not found, invalid YAML, or validation fails
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to disk,
	// then rename to the target path. os.Rename is atomic on most filesystems,
	// so a crash mid-write leaves either the old file or the new file, never
	// a partially-written file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// #nosec G302 - Config file should be world-readable (0644 is appropriate)
	if err := tmpFile.Chmod(0644); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
//
// Returns:
//   - error: describing the first validation error found, or nil if valid
func (c *Config) Validate() error {
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path cannot be empty")
	}
	if c.State.Debounce <= 0 {
		return fmt.Errorf("state.debounce must be positive")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}
	if c.Watchdog.ProbeTimeout <= 0 {
		return fmt.Errorf("watchdog.probe_timeout must be positive")
	}
	if c.Watchdog.ProbeTimeout >= c.Watchdog.Interval {
		return fmt.Errorf("watchdog.probe_timeout must be shorter than watchdog.interval")
	}
	if c.Watchdog.DegradedAfter <= 0 || c.Watchdog.OfflineAfter < c.Watchdog.DegradedAfter {
		return fmt.Errorf("watchdog thresholds must satisfy 0 < degraded_after <= offline_after")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url cannot be empty when mqtt is enabled")
	}

	for id, dev := range c.Devices {
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", id, err)
		}
	}

	return nil
}

// Validate checks a single device entry.
func (d *DeviceConfig) Validate() error {
	switch d.Type {
	case "pixoo64", "matrix":
	default:
		return fmt.Errorf("type must be pixoo64 or matrix")
	}
	// Matrix devices are driven over the bus and probed (optionally)
	// through stats_url; only pixoo64 panels need an HTTP endpoint.
	if d.Type == "pixoo64" && d.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty for pixoo64 devices")
	}
	switch d.Driver {
	case "", "real", "mock":
	default:
		return fmt.Errorf("driver must be real or mock")
	}
	return nil
}

// applyDefaults fills zero-valued fields with production defaults so a
// partial YAML file or env-only configuration still validates.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = def.Web.Port
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = def.MQTT.Prefix
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.State.Debounce == 0 {
		cfg.State.Debounce = def.State.Debounce
	}
	if cfg.State.FlushTimeout == 0 {
		cfg.State.FlushTimeout = def.State.FlushTimeout
	}
	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = def.Watchdog.Interval
	}
	if cfg.Watchdog.ProbeTimeout == 0 {
		cfg.Watchdog.ProbeTimeout = def.Watchdog.ProbeTimeout
	}
	if cfg.Watchdog.DegradedAfter == 0 {
		cfg.Watchdog.DegradedAfter = def.Watchdog.DegradedAfter
	}
	if cfg.Watchdog.OfflineAfter == 0 {
		cfg.Watchdog.OfflineAfter = def.Watchdog.OfflineAfter
	}
	if cfg.Watchdog.Cooldown == 0 {
		cfg.Watchdog.Cooldown = def.Watchdog.Cooldown
	}
	if cfg.Render.PushTimeout == 0 {
		cfg.Render.PushTimeout = def.Render.PushTimeout
	}
	if cfg.LockFile == "" {
		cfg.LockFile = def.LockFile
	}
}

// DefaultConfig returns a configuration with sensible defaults.
//
// This is used when no config file exists or for testing.
func DefaultConfig() *Config {
	return &Config{
		Devices: make(map[string]DeviceConfig),
		Web: WebConfig{
			Port: 8080,
			Host: "",
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Prefix:   "pixoo",
			ClientID: "pidicond",
		},
		State: StateConfig{
			Path:         DefaultStatePath,
			Debounce:     2 * time.Second,
			FlushTimeout: 5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:      10 * time.Second,
			ProbeTimeout:  3 * time.Second,
			DegradedAfter: 2,
			OfflineAfter:  3,
			Cooldown:      120 * time.Second,
		},
		Render: RenderConfig{
			PushTimeout: 5 * time.Second,
		},
		LockFile: "/var/run/pidicon/pidicond.lock",
	}
}
