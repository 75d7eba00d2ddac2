// SPDX-License-Identifier: MIT

// Package main implements pidicond, the pixel display controller daemon.
//
// pidicond drives networked pixel displays (Divoom Pixoo64 panels over
// HTTP, LED matrix firmware over the message bus), runs one render loop
// per device, and exposes command ingress over MQTT and REST/WebSocket.
//
// Usage:
//
//	pidicond [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/pidicon/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
//
// The daemon automatically:
//   - Restores persisted device state (scene, brightness, display power)
//   - Restarts scenes that were running before the last shutdown
//   - Probes device liveness independently of frame pushes
//   - Handles SIGINT/SIGTERM for graceful shutdown with a bounded
//     state flush, and SIGHUP for configuration reload
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pidicon/pidicon/internal/api"
	"github.com/pidicon/pidicon/internal/command"
	"github.com/pidicon/pidicon/internal/config"
	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/lock"
	"github.com/pidicon/pidicon/internal/metrics"
	"github.com/pidicon/pidicon/internal/mqttio"
	"github.com/pidicon/pidicon/internal/runtime"
	"github.com/pidicon/pidicon/internal/scene"
	"github.com/pidicon/pidicon/internal/scene/builtin"
	"github.com/pidicon/pidicon/internal/state"
	"github.com/pidicon/pidicon/internal/transport"
	"github.com/pidicon/pidicon/internal/watchdog"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes follow the shell convention of 128+signal so supervisors
// (systemd, docker) can tell a signal-driven exit from a failure.
const (
	exitOK      = 0
	exitFailure = 1
	exitSIGINT  = 130
	exitSIGTERM = 143
)

// heartbeatInterval paces the daemon heartbeat written to the state
// journal. /api/status flags the daemon stale after three missed beats.
const heartbeatInterval = 30 * time.Second

// daemonFlags holds parsed command-line flags so tests can call
// runDaemon without touching flag.Parse().
type daemonFlags struct {
	ConfigPath string
	LogLevel   string
}

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	os.Exit(runDaemon(daemonFlags{
		ConfigPath: *configPath,
		LogLevel:   *logLevel,
	}))
}

// lazyDispatcher breaks the construction cycle between the bus client
// (which needs a dispatcher) and the router (which needs the bus client
// as publisher). The router is installed before any service starts.
type lazyDispatcher struct {
	mu     sync.RWMutex
	router *command.Router
}

func (d *lazyDispatcher) set(r *command.Router) {
	d.mu.Lock()
	d.router = r
	d.mu.Unlock()
}

func (d *lazyDispatcher) Handle(cmd command.Command) error {
	d.mu.RLock()
	r := d.router
	d.mu.RUnlock()
	if r == nil {
		return command.NewError(command.KindTransport, "daemon still starting")
	}
	return r.Handle(cmd)
}

// runDaemon is the daemon body, separated from main() for testability.
func runDaemon(flags daemonFlags) int {
	slogLevel := parseSlogLevel(flags.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)
	logger.Info("starting pidicond", "version", Version, "commit", Commit, "built", BuildTime)

	koanfCfg, cfg, err := loadConfiguration(flags.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return exitFailure
	}
	logger.Info("loaded configuration", "path", flags.ConfigPath, "devices", len(cfg.Devices))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Single-instance guard: two daemons driving the same panels would
	// fight over scene state and the journal.
	fl, err := lock.New(cfg.LockFile)
	if err != nil {
		logger.Error("failed to prepare instance lock", "error", err)
		return exitFailure
	}
	if err := fl.Acquire(ctx, 5*time.Second); err != nil {
		logger.Error("another instance appears to be running", "lock", cfg.LockFile, "error", err)
		return exitFailure
	}
	defer func() { _ = fl.Close() }()

	store := state.New(cfg.State.Path,
		state.WithDebounce(cfg.State.Debounce),
		state.WithLogger(logger))
	if err := store.Restore(); err != nil {
		// Restore never fails fatally; a broken journal starts fresh.
		logger.Warn("state restore incomplete", "error", err)
	}
	store.SetDaemonStart(time.Now().UnixMilli())

	m := metrics.New()

	scenes := scene.NewRegistry()
	if err := builtin.RegisterAll(scenes); err != nil {
		logger.Error("failed to register scenes", "error", err)
		return exitFailure
	}

	dispatcher := &lazyDispatcher{}
	var busClient *mqttio.Client
	if cfg.MQTT.Enabled {
		busClient = mqttio.New(cfg.MQTT, dispatcher, logger)
	}

	devices, err := buildDevices(cfg, store, busClient, logger)
	if err != nil {
		logger.Error("failed to build devices", "error", err)
		return exitFailure
	}
	if devices.Len() == 0 {
		logger.Warn("no devices configured; ingress is up but there is nothing to drive")
	}

	// Publishers fan out to every enabled ingress surface.
	var publisher runtime.MultiPublisher
	manager := runtime.NewManager()
	wd := watchdog.New(watchdog.Config{
		Interval:      cfg.Watchdog.Interval,
		ProbeTimeout:  cfg.Watchdog.ProbeTimeout,
		DegradedAfter: cfg.Watchdog.DegradedAfter,
		OfflineAfter:  cfg.Watchdog.OfflineAfter,
		Cooldown:      cfg.Watchdog.Cooldown,
	}, devices, m, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Addr:       cfg.Web.Addr(),
		Manager:    manager,
		Dispatcher: dispatcher,
		Scenes:     scenes,
		Watchdog:   wd,
		Store:      store,
		Metrics:    m,
		Logger:     logger,
		Version:    Version,
	})
	publisher = append(publisher, apiServer)
	if busClient != nil {
		publisher = append(publisher, busClient)
	}

	for _, dev := range devices.List() {
		worker := runtime.NewWorker(runtime.WorkerConfig{
			Device:      dev,
			Scenes:      scenes,
			Store:       store,
			Metrics:     m,
			Publisher:   publisher,
			Logger:      logger,
			PushTimeout: cfg.Render.PushTimeout,
		})
		if err := manager.Add(worker); err != nil {
			logger.Error("failed to register device worker", "device", dev.ID(), "error", err)
			return exitFailure
		}
	}

	router := command.NewRouter(manager, devices, scenes, store, wd, publisher, logger)
	dispatcher.set(router)

	sup := suture.New("pidicond", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn("supervisor event", "event", ev.String())
		},
	})
	sup.Add(apiServer)
	if busClient != nil {
		sup.Add(busClient)
	}
	sup.Add(wd)
	for _, worker := range manager.Workers() {
		sup.Add(worker)
	}
	supDone := sup.ServeBackground(ctx)

	restoreDeviceState(manager, store, logger)

	// Heartbeat: proves the daemon itself is alive, independent of any
	// device being reachable.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.TouchHeartbeat(time.Now().UnixMilli())
			}
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(reloadCh, syscall.SIGHUP)

	go func() {
		for range reloadCh {
			logger.Info("received SIGHUP, reloading configuration")
			if koanfCfg == nil {
				logger.Info("no active config file; SIGHUP is a no-op")
				continue
			}
			if err := koanfCfg.Reload(); err != nil {
				logger.Warn("failed to reload configuration", "error", err)
				continue
			}
			// Device topology changes require a restart; reload covers
			// tunables read per operation (log level via state store).
			logger.Info("configuration reloaded")
		}
	}()

	exitCode := exitOK
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		if sig == syscall.SIGINT {
			exitCode = exitSIGINT
		} else {
			exitCode = exitSIGTERM
		}
		cancel()
	case err := <-supDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor failed", "error", err)
			exitCode = exitFailure
		}
	}

	// Wait for services to wind down, then flush within the bound.
	select {
	case <-supDone:
	case <-time.After(10 * time.Second):
		logger.Warn("services did not stop in time")
	}

	if !flushWithTimeout(store, cfg.State.FlushTimeout, logger) {
		return exitFailure
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildDevices constructs the device registry from configuration. The
// persisted driver choice from a previous run wins over the config
// file's initial driver.
func buildDevices(cfg *config.Config, store *state.Store, bus *mqttio.Client, logger *slog.Logger) (*device.Registry, error) {
	registry := device.NewRegistry()

	publish := func(topic string, payload []byte) error {
		if bus == nil {
			return fmt.Errorf("message bus disabled; cannot publish to %s", topic)
		}
		return bus.PublishRaw(topic, payload)
	}

	for id, devCfg := range cfg.Devices {
		kind, err := device.ParseKind(devCfg.Type)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", id, err)
		}

		var real device.Transport
		var prober device.Prober
		switch kind {
		case device.KindPixoo64:
			t := transport.NewPanelTransport(devCfg.BaseURL, nil, logger)
			real, prober = t, t
		case device.KindMatrix:
			frameTopic := cfg.MQTT.Prefix + "/" + id + "/frame"
			t := transport.NewMatrixTransport(id, frameTopic, devCfg.StatsURL, publish, nil, logger)
			real = t
			// Without a stats endpoint there is nothing to probe; the
			// watchdog pins prober-less devices online.
			if devCfg.StatsURL != "" {
				prober = t
			}
		}

		driverName := store.GetString(state.NamespaceDevice, id, state.KeyDriver, devCfg.Driver)
		mode, err := device.ParseDriverMode(driverName)
		if err != nil {
			logger.Warn("ignoring invalid persisted driver", "device", id, "driver", driverName)
			mode, _ = device.ParseDriverMode(devCfg.Driver)
		}

		dev := device.New(id, kind, real, transport.NewMockTransport(), prober)
		dev.SetDriver(mode)
		if err := registry.Add(dev); err != nil {
			return nil, err
		}
		logger.Info("configured device", "device", id, "type", kind, "driver", mode)
	}
	return registry, nil
}

// restoreDeviceState re-applies persisted device settings after boot:
// display power, brightness, and the active scene if it was running
// when the daemon last stopped.
func restoreDeviceState(manager *runtime.Manager, store *state.Store, logger *slog.Logger) {
	for _, worker := range manager.Workers() {
		id := worker.DeviceID()

		if v, ok := store.Get(state.NamespaceDevice, id, state.KeyDisplayOn); ok {
			if on, ok := v.(bool); ok {
				if err := worker.SetPower(on); err != nil {
					logger.Warn("failed to restore display power", "device", id, "error", err)
				}
			}
		}
		if level := store.GetInt(state.NamespaceDevice, id, state.KeyBrightness, -1); level >= 0 {
			if err := worker.SetBrightness(level); err != nil {
				logger.Warn("failed to restore brightness", "device", id, "error", err)
			}
		}

		playState := store.GetString(state.NamespaceDevice, id, state.KeyPlayState, "")
		sceneName := store.GetString(state.NamespaceDevice, id, state.KeyActiveScene, "")
		if playState != runtime.StatusRunning.String() || sceneName == "" {
			continue
		}
		var payload map[string]any
		if v, ok := store.Get(state.NamespaceDevice, id, state.KeyActiveScenePayload); ok {
			payload, _ = v.(map[string]any)
		}
		if err := worker.Switch(sceneName, payload, true); err != nil {
			logger.Warn("failed to restore scene", "device", id, "scene", sceneName, "error", err)
			continue
		}
		logger.Info("restored scene", "device", id, "scene", sceneName)
	}
}

// flushWithTimeout closes the store with a bound so a hung filesystem
// cannot stall shutdown forever.
func flushWithTimeout(store *state.Store, timeout time.Duration, logger *slog.Logger) bool {
	done := make(chan error, 1)
	go func() { done <- store.Close() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("state flush failed", "error", err)
			return false
		}
		return true
	case <-time.After(timeout):
		logger.Error("state flush timed out", "timeout", timeout)
		return false
	}
}

// loadConfiguration loads config via koanf with env-var overrides
// (PIXOO_*). A missing config file falls back to env + defaults.
func loadConfiguration(path string) (*config.KoanfConfig, *config.Config, error) {
	fileExists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fileExists = false
	}

	opts := []config.Option{config.WithEnvPrefix("PIXOO")}
	if fileExists {
		opts = append(opts, config.WithYAMLFile(path))
	}

	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		if fileExists {
			return nil, nil, fmt.Errorf("failed to create config loader: %w", err)
		}
		return nil, config.DefaultConfig(), nil
	}

	cfg, err := kc.Load()
	if err != nil {
		if !fileExists {
			return kc, config.DefaultConfig(), nil
		}
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return kc, cfg, nil
}

// parseSlogLevel converts a log level string to slog.Level.
func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("pidicond - pixel display controller daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: pidicond [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon drives networked pixel displays: Divoom Pixoo64")
	fmt.Println("panels over HTTP and LED matrix firmware over MQTT.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown with a bounded state flush")
	fmt.Println("  SIGHUP           Reload configuration")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  PIXOO_WEB_PORT                  REST/WebSocket listen port")
	fmt.Println("  PIXOO_MQTT_BROKER_URL           Message bus broker URL")
	fmt.Println("  PIXOO_STATE_PATH                State journal path")
	fmt.Println("  PIXOO_DEVICES_<ID>_<FIELD>      Per-device overrides")
	fmt.Println("  See documentation for the full list of variables")
}
