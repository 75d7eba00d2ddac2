package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
	if cfg.State.Debounce != 2*time.Second {
		t.Errorf("State.Debounce = %v, want 2s", cfg.State.Debounce)
	}
	if cfg.Watchdog.DegradedAfter != 2 || cfg.Watchdog.OfflineAfter != 3 {
		t.Errorf("watchdog thresholds = %d/%d, want 2/3", cfg.Watchdog.DegradedAfter, cfg.Watchdog.OfflineAfter)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero web port", func(c *Config) { c.Web.Port = 0 }},
		{"empty state path", func(c *Config) { c.State.Path = "" }},
		{"zero debounce", func(c *Config) { c.State.Debounce = 0 }},
		{"probe timeout >= interval", func(c *Config) { c.Watchdog.ProbeTimeout = c.Watchdog.Interval }},
		{"offline before degraded", func(c *Config) { c.Watchdog.OfflineAfter = 1 }},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }},
		{"bad device type", func(c *Config) {
			c.Devices["d"] = DeviceConfig{Type: "oled", BaseURL: "http://x"}
		}},
		{"pixoo64 without base url", func(c *Config) {
			c.Devices["d"] = DeviceConfig{Type: "pixoo64"}
		}},
		{"bad driver mode", func(c *Config) {
			c.Devices["d"] = DeviceConfig{Type: "pixoo64", BaseURL: "http://x", Driver: "fake"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestMatrixDeviceNeedsNoBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices["matrix-shelf"] = DeviceConfig{Type: "matrix"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil for a bus-driven matrix", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Web.Port = 9090
	cfg.Devices["192.168.1.100"] = DeviceConfig{
		Type:    "pixoo64",
		BaseURL: "http://192.168.1.100",
		Driver:  "real",
	}
	cfg.Devices["matrix-kitchen"] = DeviceConfig{
		Type:     "matrix",
		BaseURL:  "http://matrix.local",
		StatsURL: "http://matrix.local/stats",
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if loaded.Web.Port != 9090 {
		t.Errorf("Web.Port = %d, want 9090", loaded.Web.Port)
	}
	dev, ok := loaded.Devices["192.168.1.100"]
	if !ok {
		t.Fatal("device 192.168.1.100 missing after round trip")
	}
	if dev.Type != "pixoo64" || dev.BaseURL != "http://192.168.1.100" {
		t.Errorf("device = %+v, want pixoo64 @ http://192.168.1.100", dev)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("LoadConfig() = nil, want error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig() error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	minimal := "web:\n  port: 7000\n"
	if err := os.WriteFile(path, []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if cfg.Web.Port != 7000 {
		t.Errorf("Web.Port = %d, want 7000", cfg.Web.Port)
	}
	if cfg.State.Path != DefaultStatePath {
		t.Errorf("State.Path = %q, want default %q", cfg.State.Path, DefaultStatePath)
	}
	if cfg.Watchdog.Interval != 10*time.Second {
		t.Errorf("Watchdog.Interval = %v, want 10s", cfg.Watchdog.Interval)
	}
}

func TestSaveCleansUpTempFileOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	failing := func(d, pattern string) (atomicFile, error) {
		f, err := os.CreateTemp(d, pattern)
		if err != nil {
			return nil, err
		}
		return &failingFile{File: f}, nil
	}

	cfg := DefaultConfig()
	if err := cfg.saveWith(path, failing); err == nil {
		t.Fatal("saveWith() = nil, want sync error")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

type failingFile struct {
	*os.File
}

func (f *failingFile) Sync() error {
	return errors.New("sync failed")
}
