// SPDX-License-Identifier: MIT

// Package scene defines the contract between the per-device runtime and
// scene implementations, plus the registry of available scenes.
//
// A scene is user content: the runtime only calls its lifecycle hooks
// and must survive anything the scene does, including panics.
package scene

import (
	"context"
	"time"

	"github.com/pidicon/pidicon/internal/device"
)

// Scene is one renderable program for a device.
//
// Lifecycle: Init once per activation, then Render zero or more times,
// then Cleanup. Each activation gets a fresh Scene value and a fresh
// Env; nothing carries over between activations except what the scene
// stores through Env.State.
type Scene interface {
	// Init prepares the scene. An error aborts the activation.
	Init(ctx context.Context, env *Env) error

	// Render draws one frame on env.Surface and usually pushes it. The
	// returned delay schedules the next frame: a positive delay arms
	// the loop timer, zero requests an immediate next frame (pending
	// commands still run first), and a negative delay ends the loop,
	// leaving the last frame on screen.
	Render(ctx context.Context, env *Env) (time.Duration, error)

	// Cleanup releases scene resources. Errors are logged, never
	// propagated; the next scene starts regardless.
	Cleanup(ctx context.Context, env *Env) error
}

// Surface is the drawing target handed to a scene. Push sends the
// current buffer to the device; a push from a superseded activation is
// silently dropped.
type Surface interface {
	Size() (width, height int)
	Fill(c device.RGB)
	SetPixel(x, y int, c device.RGB)
	Clear()
	Push(ctx context.Context) error
}

// Env is the per-activation environment. It must not be retained past
// Cleanup; the runtime invalidates it when a newer activation starts.
type Env struct {
	// DeviceID is the device this activation runs on.
	DeviceID string

	// Generation is the activation's generation ID.
	Generation uint64

	// Surface is the drawing target.
	Surface Surface

	// State is the scene's private key/value state, bound to this
	// device and scene name. It survives across activations but is
	// never persisted to disk.
	State *Handle

	// Logger is pre-labelled with the device and scene.
	Logger Logger

	// Payload holds the activation parameters. The runtime replaces it
	// when a parameter update arrives, so scenes should read it fresh
	// each Render.
	Payload map[string]any

	// PublishOK emits a success notice on the device's response
	// channel, for scenes that want to acknowledge milestones.
	PublishOK func(message string)
}

// Logger is the minimal logging surface scenes get. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PayloadString reads a string field from the payload.
func (e *Env) PayloadString(key, def string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// PayloadInt reads an integer field from the payload. JSON numbers
// arrive as float64.
func (e *Env) PayloadInt(key string, def int) int {
	v, ok := e.Payload[key]
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

// PayloadBool reads a boolean field from the payload.
func (e *Env) PayloadBool(key string, def bool) bool {
	if v, ok := e.Payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
