// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"sync"

	"github.com/pidicon/pidicon/internal/device"
)

// MockTransport is an in-memory driver for development and tests. It
// records every operation and can be told to fail pushes or probes.
type MockTransport struct {
	mu         sync.Mutex
	frames     []*device.Frame
	clears     int
	brightness int
	power      bool

	PushErr  error
	ProbeErr error
}

// NewMockTransport creates a mock driver with the display powered on.
func NewMockTransport() *MockTransport {
	return &MockTransport{power: true, brightness: 100}
}

// Name implements device.Transport.
func (m *MockTransport) Name() string { return "mock" }

// Push records the frame.
func (m *MockTransport) Push(_ context.Context, frame *device.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return m.PushErr
	}
	m.frames = append(m.frames, frame.Clone())
	return nil
}

// Clear records a clear.
func (m *MockTransport) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

// SetBrightness records the brightness level.
func (m *MockTransport) SetBrightness(_ context.Context, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brightness = level
	return nil
}

// SetPower records the power state.
func (m *MockTransport) SetPower(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power = on
	return nil
}

// Probe reports success unless ProbeErr is set.
func (m *MockTransport) Probe(_ context.Context) device.ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProbeErr != nil {
		return device.ProbeResult{Err: m.ProbeErr}
	}
	return device.ProbeResult{OK: true}
}

// Frames returns the recorded frames.
func (m *MockTransport) Frames() []*device.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// PushCount returns the number of recorded pushes.
func (m *MockTransport) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// ClearCount returns the number of recorded clears.
func (m *MockTransport) ClearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Brightness returns the last recorded brightness level.
func (m *MockTransport) Brightness() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brightness
}

// Power returns the last recorded power state.
func (m *MockTransport) Power() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

// SetPushErr sets or clears push failure injection.
func (m *MockTransport) SetPushErr(err error) {
	m.mu.Lock()
	m.PushErr = err
	m.mu.Unlock()
}

// SetProbeErr sets or clears probe failure injection.
func (m *MockTransport) SetProbeErr(err error) {
	m.mu.Lock()
	m.ProbeErr = err
	m.mu.Unlock()
}
