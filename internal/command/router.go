// SPDX-License-Identifier: MIT

// Package command parses, validates and dispatches ingress commands.
// Both ingress surfaces (the message bus and the REST API) build a
// Command and hand it to the Router; the Router is the only code path
// that turns external input into lifecycle transitions.
package command

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/runtime"
	"github.com/pidicon/pidicon/internal/scene"
	"github.com/pidicon/pidicon/internal/state"
	"github.com/pidicon/pidicon/internal/watchdog"
)

// Command is one validated-envelope ingress command.
type Command struct {
	DeviceID      string
	Section       string
	Action        string
	Payload       map[string]any
	Source        string // "bus" or "api"
	CorrelationID string
}

// Router dispatches commands to the per-device workers. Handle is
// synchronous per call but never blocks on device work: lifecycle
// transitions are enqueued on the device's mailbox.
type Router struct {
	manager   *runtime.Manager
	devices   *device.Registry
	scenes    *scene.Registry
	store     *state.Store
	watchdog  *watchdog.Watchdog
	publisher runtime.Publisher
	logger    *slog.Logger
}

// NewRouter wires a router. watchdog may be nil (tests).
func NewRouter(
	manager *runtime.Manager,
	devices *device.Registry,
	scenes *scene.Registry,
	store *state.Store,
	wd *watchdog.Watchdog,
	publisher runtime.Publisher,
	logger *slog.Logger,
) *Router {
	if publisher == nil {
		publisher = runtime.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		manager:   manager,
		devices:   devices,
		scenes:    scenes,
		store:     store,
		watchdog:  wd,
		publisher: publisher,
		logger:    logger.With("component", "router"),
	}
}

// Handle validates and dispatches one command. On success it publishes
// an ok response; on failure it publishes an error response with the
// triggering context and returns the classified error.
func (r *Router) Handle(cmd Command) error {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	logger := r.logger.With(
		"device", cmd.DeviceID, "section", cmd.Section, "action", cmd.Action,
		"source", cmd.Source, "correlationId", cmd.CorrelationID)

	// Continuation frames from legacy producers never reach a scene:
	// the render loop is the only legitimate frame producer.
	if b, ok := cmd.Payload["animationFrame"].(bool); ok && b {
		logger.Debug("dropped legacy animation continuation frame")
		return nil
	}

	worker, ok := r.manager.Get(cmd.DeviceID)
	if !ok {
		err := NewError(KindNotFound, "unknown device")
		r.publishError(cmd, err)
		logger.Warn("command for unknown device")
		return err
	}

	var err *Error
	switch cmd.Section {
	case SectionScene:
		err = r.handleScene(cmd, worker)
	case SectionDriver:
		err = r.handleDriver(cmd, worker)
	case SectionReset:
		err = r.handleReset(cmd, worker)
	case SectionState:
		err = r.handleState(cmd, worker)
	case SectionDisplay:
		err = r.handleDisplay(cmd, worker)
	case SectionBrightness:
		err = r.handleBrightness(cmd, worker)
	default:
		err = NewError(KindValidation, "unknown section")
	}

	if err != nil {
		r.publishError(cmd, err)
		logger.Warn("command failed", "kind", err.Kind.String(), "error", err)
		return err
	}

	r.publisher.OK(cmd.DeviceID, cmd.Section+"/"+cmd.Action, "ok")
	r.publisher.SceneState(worker.Snapshot())
	logger.Debug("command dispatched")
	return nil
}

func (r *Router) handleScene(cmd Command, worker *runtime.Worker) *Error {
	switch cmd.Action {
	case "set":
		// Bus clients send {name}, the REST body uses {scene}.
		name, ok := payloadString(cmd.Payload, "name", "scene")
		if !ok {
			return NewError(KindValidation, "scene/set requires a scene name")
		}
		reg, ok := r.scenes.Get(name)
		if !ok {
			return NewError(KindNotFound, "unknown scene "+name)
		}
		dev, _ := r.devices.Get(cmd.DeviceID)
		if dev != nil && !reg.SupportsKind(dev.Kind()) {
			return NewError(KindValidation, "scene "+name+" does not support this device type")
		}
		scenePayload, _ := cmd.Payload["payload"].(map[string]any)
		clear, _ := cmd.Payload["clear"].(bool)
		if err := worker.Switch(name, scenePayload, clear); err != nil {
			return WrapError(KindTransport, "device queue full", err)
		}
		return nil
	case "pause":
		if err := worker.Pause(); err != nil {
			return WrapError(KindTransport, "device queue full", err)
		}
		return nil
	case "resume":
		if err := worker.Resume(); err != nil {
			return WrapError(KindTransport, "device queue full", err)
		}
		return nil
	case "stop":
		if err := worker.Stop(); err != nil {
			return WrapError(KindTransport, "device queue full", err)
		}
		return nil
	default:
		return NewError(KindValidation, "unknown scene action "+cmd.Action)
	}
}

func (r *Router) handleDriver(cmd Command, worker *runtime.Worker) *Error {
	if cmd.Action != "set" {
		return NewError(KindValidation, "unknown driver action "+cmd.Action)
	}
	name, ok := cmd.Payload["driver"].(string)
	if !ok {
		return NewError(KindValidation, "driver/set requires a driver name")
	}
	mode, perr := device.ParseDriverMode(name)
	if perr != nil {
		return WrapError(KindValidation, "invalid driver", perr)
	}

	dev, ok := r.devices.Get(cmd.DeviceID)
	if !ok {
		return NewError(KindNotFound, "unknown device")
	}
	if !dev.SetDriver(mode) {
		// Same mode: nothing to do, still a success.
		return nil
	}

	// The driver choice survives restarts.
	if err := r.store.SetCritical(state.NamespaceDevice, cmd.DeviceID, state.KeyDriver, mode.String()); err != nil {
		return WrapError(KindPersistence, "failed to persist driver mode", err)
	}
	// Repaint through the new driver at the same generation.
	if err := worker.Rerender(); err != nil {
		return WrapError(KindTransport, "device queue full", err)
	}
	return nil
}

func (r *Router) handleReset(cmd Command, worker *runtime.Worker) *Error {
	if cmd.Action != "run" {
		return NewError(KindValidation, "unknown reset action "+cmd.Action)
	}
	if err := worker.ClearScreen(); err != nil {
		return WrapError(KindTransport, "device queue full", err)
	}
	if err := worker.ResetMetrics(); err != nil {
		return WrapError(KindTransport, "device queue full", err)
	}
	if r.watchdog != nil {
		r.watchdog.ResetCounters(cmd.DeviceID)
	}
	return nil
}

func (r *Router) handleState(cmd Command, worker *runtime.Worker) *Error {
	switch cmd.Action {
	case "upd":
		payload, ok := cmd.Payload["payload"].(map[string]any)
		if !ok {
			return NewError(KindValidation, "state/upd requires a payload object")
		}
		if err := worker.UpdatePayload(payload); err != nil {
			return WrapError(KindTransport, "device queue full", err)
		}
		return nil
	case "get":
		// The ok response plus scene/state broadcast carry the
		// authoritative state; nothing to mutate.
		return nil
	default:
		return NewError(KindValidation, "unknown state action "+cmd.Action)
	}
}

func (r *Router) handleDisplay(cmd Command, worker *runtime.Worker) *Error {
	if cmd.Action != "set" {
		return NewError(KindValidation, "unknown display action "+cmd.Action)
	}
	on, ok := cmd.Payload["on"].(bool)
	if !ok {
		return NewError(KindValidation, "display/set requires on: bool")
	}

	// Persist before applying: losing a power command across a restart
	// leaves the display visibly wrong.
	if err := r.store.SetCritical(state.NamespaceDevice, cmd.DeviceID, state.KeyDisplayOn, on); err != nil {
		return WrapError(KindPersistence, "failed to persist display power", err)
	}
	if err := worker.SetPower(on); err != nil {
		return WrapError(KindTransport, "device queue full", err)
	}
	return nil
}

func (r *Router) handleBrightness(cmd Command, worker *runtime.Worker) *Error {
	if cmd.Action != "set" {
		return NewError(KindValidation, "unknown brightness action "+cmd.Action)
	}
	// Bus clients send {value}, the REST body uses {level}.
	level, ok := payloadInt(cmd.Payload, "value", "level")
	if !ok {
		return NewError(KindValidation, "brightness/set requires value: int")
	}
	if level < 0 || level > 100 {
		return NewError(KindValidation, "brightness level must be 0-100")
	}

	if err := r.store.SetCritical(state.NamespaceDevice, cmd.DeviceID, state.KeyBrightness, level); err != nil {
		return WrapError(KindPersistence, "failed to persist brightness", err)
	}
	if err := worker.SetBrightness(level); err != nil {
		return WrapError(KindTransport, "device queue full", err)
	}
	return nil
}

// publishError emits the failure with its triggering context. For
// sections whose loss leaves clients out of sync, the device's current
// persisted state rides along so they can reconcile.
func (r *Router) publishError(cmd Command, cerr *Error) {
	detail := map[string]any{
		"section":       cmd.Section,
		"action":        cmd.Action,
		"payload":       cmd.Payload,
		"kind":          cerr.Kind.String(),
		"correlationId": cmd.CorrelationID,
	}
	switch cmd.Section {
	case SectionScene, SectionDisplay, SectionBrightness:
		detail["persistedState"] = r.store.DeviceView(cmd.DeviceID)
	}
	r.publisher.Error(cmd.DeviceID, cmd.Section, cerr.Message, detail)
}

func payloadInt(payload map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch n := payload[key].(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
	}
	return 0, false
}

func payloadString(payload map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
