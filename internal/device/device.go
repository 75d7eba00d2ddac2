// SPDX-License-Identifier: MIT

// Package device models the managed pixel displays: their capabilities,
// their transports (real network drivers and mock stand-ins), and the
// driver mode switch between them.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies the display hardware family.
type Kind string

const (
	// KindPixoo64 is the 64x64 HTTP-driven panel.
	KindPixoo64 Kind = "pixoo64"
	// KindMatrix is the 32x8 LED matrix driven over the message bus.
	KindMatrix Kind = "matrix"
)

// ParseKind validates and converts a configuration string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPixoo64:
		return KindPixoo64, nil
	case KindMatrix:
		return KindMatrix, nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// Capabilities describes what a display can do.
type Capabilities struct {
	Width         int `json:"width"`
	Height        int `json:"height"`
	ColorDepth    int `json:"colorDepth"` // bits per pixel
	MaxBrightness int `json:"maxBrightness"`
	// SupportsPower reports whether the hardware has a screen on/off
	// command. The matrix firmware only supports blanking via a black
	// frame, which the transport emulates.
	SupportsPower bool `json:"supportsPower"`
	// SupportsText marks hardware with a native text command; the
	// matrix only accepts raw frames.
	SupportsText bool `json:"supportsText"`
	// SupportsAudio marks hardware with a buzzer.
	SupportsAudio bool `json:"supportsAudio"`
}

// CapabilitiesFor returns the fixed capability set of a device kind.
func CapabilitiesFor(kind Kind) Capabilities {
	switch kind {
	case KindMatrix:
		return Capabilities{
			Width:         32,
			Height:        8,
			ColorDepth:    24,
			MaxBrightness: 100,
		}
	default:
		return Capabilities{
			Width:         64,
			Height:        64,
			ColorDepth:    24,
			MaxBrightness: 100,
			SupportsPower: true,
			SupportsText:  true,
			SupportsAudio: true,
		}
	}
}

// DriverMode selects between the real network transport and the mock.
type DriverMode int

const (
	DriverReal DriverMode = iota
	DriverMock
)

// String returns the mode name used in state, commands and logs.
func (m DriverMode) String() string {
	if m == DriverMock {
		return "mock"
	}
	return "real"
}

// ParseDriverMode converts a command or configuration string.
func ParseDriverMode(s string) (DriverMode, error) {
	switch s {
	case "real", "":
		return DriverReal, nil
	case "mock":
		return DriverMock, nil
	default:
		return DriverReal, fmt.Errorf("unknown driver mode %q", s)
	}
}

// Transport pushes frames and control commands to one display.
// Implementations must be safe for use from the device's worker
// goroutine plus the watchdog prober.
type Transport interface {
	// Name identifies the transport in logs ("pixoo64-http",
	// "matrix-mqtt", "mock").
	Name() string
	// Push sends a full frame.
	Push(ctx context.Context, frame *Frame) error
	// Clear blanks the display.
	Clear(ctx context.Context) error
	// SetBrightness sets display brightness, 0-100.
	SetBrightness(ctx context.Context, level int) error
	// SetPower turns the display on or off.
	SetPower(ctx context.Context, on bool) error
}

// Prober checks device liveness out of band from frame pushes.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// ProbeResult is one liveness check outcome.
type ProbeResult struct {
	OK      bool
	Latency time.Duration
	Err     error
}

// Device is one managed display with a hot-swappable driver. The
// active transport can be flipped between real and mock at runtime
// without restarting the device's scene.
type Device struct {
	id   string
	kind Kind
	caps Capabilities

	mu     sync.RWMutex
	mode   DriverMode
	real   Transport
	mock   Transport
	prober Prober
}

// New creates a Device. The prober may be nil for devices that cannot
// be probed; the watchdog treats those like mock-driver devices.
func New(id string, kind Kind, real, mock Transport, prober Prober) *Device {
	return &Device{
		id:     id,
		kind:   kind,
		caps:   CapabilitiesFor(kind),
		mode:   DriverReal,
		real:   real,
		mock:   mock,
		prober: prober,
	}
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// Kind returns the hardware family.
func (d *Device) Kind() Kind { return d.kind }

// Capabilities returns the device's capability set.
func (d *Device) Capabilities() Capabilities { return d.caps }

// Driver returns the active driver mode.
func (d *Device) Driver() DriverMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

// SetDriver switches the active driver and reports whether the mode
// actually changed.
func (d *Device) SetDriver(mode DriverMode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == mode {
		return false
	}
	d.mode = mode
	return true
}

// Transport returns the transport for the active driver mode.
func (d *Device) Transport() Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.mode == DriverMock {
		return d.mock
	}
	return d.real
}

// Prober returns the liveness prober and whether probing applies. A
// device in mock mode is not probed.
func (d *Device) Prober() (Prober, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.mode == DriverMock || d.prober == nil {
		return nil, false
	}
	return d.prober, true
}

// Push sends a frame through the active transport.
func (d *Device) Push(ctx context.Context, frame *Frame) error {
	return d.Transport().Push(ctx, frame)
}

// Clear blanks the display through the active transport.
func (d *Device) Clear(ctx context.Context) error {
	return d.Transport().Clear(ctx)
}

// SetBrightness applies a brightness level through the active transport.
func (d *Device) SetBrightness(ctx context.Context, level int) error {
	if level < 0 || level > d.caps.MaxBrightness {
		return fmt.Errorf("brightness %d out of range 0-%d", level, d.caps.MaxBrightness)
	}
	return d.Transport().SetBrightness(ctx, level)
}

// SetPower turns the display on or off through the active transport.
func (d *Device) SetPower(ctx context.Context, on bool) error {
	return d.Transport().SetPower(ctx, on)
}
