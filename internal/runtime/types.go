// SPDX-License-Identifier: MIT

// Package runtime contains the per-device scene runtime: the lifecycle
// state machine, the skew-compensated render scheduler, and the
// manager that owns one worker per device.
package runtime

import (
	"fmt"
)

// SceneStatus is the lifecycle state of a device's scene slot.
type SceneStatus int

const (
	// StatusIdle means no scene has ever been activated.
	StatusIdle SceneStatus = iota
	// StatusSwitching is the transient state while an activation is
	// being torn down and the next one brought up.
	StatusSwitching
	// StatusRunning means the current activation renders (or has
	// rendered its one-shot frame).
	StatusRunning
	// StatusPaused means the loop timer is disarmed but the activation
	// is intact and resumable.
	StatusPaused
	// StatusStopped means the activation ended: stopped by command or
	// failed during init.
	StatusStopped
)

// String returns the wire name used in state broadcasts.
func (s SceneStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSwitching:
		return "switching"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RenderMetrics is the per-device render counter set. Counters reset
// only on an explicit reset command.
type RenderMetrics struct {
	FrameCount      uint64  `json:"frameCount"`
	LastFrametimeMs float64 `json:"lastFrametimeMs"`
	FPS             float64 `json:"fps"`
	Pushes          uint64  `json:"pushes"`
	Skipped         uint64  `json:"skipped"`
	Errors          uint64  `json:"errors"`
}

// StateSnapshot is a point-in-time view of one device's scene slot,
// used by state broadcasts and the REST API.
type StateSnapshot struct {
	DeviceID      string         `json:"deviceId"`
	Scene         string         `json:"sceneName"`
	Generation    uint64         `json:"generationId"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	StartedAt     int64          `json:"startedAt,omitempty"` // ms since epoch, zero when idle
	LoopScheduled bool           `json:"loopScheduled"`
	Driver        string         `json:"driver"`
	Metrics       RenderMetrics  `json:"metrics"`
}

// Publisher receives worker-originated events. The bus client and the
// WebSocket hub implement it; NopPublisher serves tests and bus-less
// deployments.
type Publisher interface {
	// SceneState broadcasts a lifecycle transition.
	SceneState(snapshot StateSnapshot)
	// OK publishes a success notice on the device's response channel.
	OK(deviceID, action, message string)
	// Error publishes a failure with its triggering context.
	Error(deviceID, action, message string, detail map[string]any)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) SceneState(StateSnapshot)                      {}
func (NopPublisher) OK(string, string, string)                     {}
func (NopPublisher) Error(string, string, string, map[string]any) {}

// MultiPublisher fans events out to several publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) SceneState(s StateSnapshot) {
	for _, p := range m {
		p.SceneState(s)
	}
}

func (m MultiPublisher) OK(deviceID, action, message string) {
	for _, p := range m {
		p.OK(deviceID, action, message)
	}
}

func (m MultiPublisher) Error(deviceID, action, message string, detail map[string]any) {
	for _, p := range m {
		p.Error(deviceID, action, message, detail)
	}
}
