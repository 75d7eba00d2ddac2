// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pidicon/pidicon/internal/device"
)

// PublishFunc publishes one message-bus payload to a topic. The matrix
// driver depends on this function instead of a concrete bus client so
// it can be exercised without a broker.
type PublishFunc func(topic string, payload []byte) error

// MatrixTransport drives the 32x8 LED matrix. Frames and control
// commands go out over the message bus; liveness probes use the
// firmware's HTTP stats endpoint because the bus gives no delivery
// confirmation.
type MatrixTransport struct {
	deviceID string
	topic    string
	statsURL string
	publish  PublishFunc
	client   *http.Client
	logger   *slog.Logger
}

// NewMatrixTransport creates the matrix driver. topic is the bus topic
// the firmware listens on for frame and control messages.
func NewMatrixTransport(deviceID, topic, statsURL string, publish PublishFunc, client *http.Client, logger *slog.Logger) *MatrixTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixTransport{
		deviceID: deviceID,
		topic:    topic,
		statsURL: statsURL,
		publish:  publish,
		client:   client,
		logger:   logger.With("transport", "matrix-bus", "device", deviceID),
	}
}

// Name implements device.Transport.
func (t *MatrixTransport) Name() string { return "matrix-bus" }

// matrixMessage is the JSON envelope the matrix firmware consumes.
type matrixMessage struct {
	Type       string `json:"type"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Pixels     []int  `json:"pixels,omitempty"` // flat [r,g,b, r,g,b, ...]
	Brightness *int   `json:"brightness,omitempty"`
	On         *bool  `json:"on,omitempty"`
}

func (t *MatrixTransport) send(msg matrixMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode matrix message: %w", err)
	}
	if err := t.publish(t.topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.topic, err)
	}
	return nil
}

// Push publishes a full frame.
func (t *MatrixTransport) Push(_ context.Context, frame *device.Frame) error {
	pixels := make([]int, 0, len(frame.Pixels)*3)
	for _, p := range frame.Pixels {
		pixels = append(pixels, int(p.R), int(p.G), int(p.B))
	}
	return t.send(matrixMessage{
		Type:   "frame",
		Width:  frame.Width,
		Height: frame.Height,
		Pixels: pixels,
	})
}

// Clear publishes a clear command.
func (t *MatrixTransport) Clear(_ context.Context) error {
	return t.send(matrixMessage{Type: "clear"})
}

// SetBrightness publishes a brightness command.
func (t *MatrixTransport) SetBrightness(_ context.Context, level int) error {
	return t.send(matrixMessage{Type: "brightness", Brightness: &level})
}

// SetPower has no hardware command on the matrix; off publishes a clear
// so the display at least blanks.
func (t *MatrixTransport) SetPower(ctx context.Context, on bool) error {
	if !on {
		return t.Clear(ctx)
	}
	return nil
}

// matrixStats is the subset of the firmware stats reply the probe
// checks.
type matrixStats struct {
	Uptime int64 `json:"uptime"`
}

// Probe fetches the firmware's stats endpoint.
func (t *MatrixTransport) Probe(ctx context.Context) device.ProbeResult {
	start := time.Now()
	res := device.ProbeResult{}

	if t.statsURL == "" {
		res.Err = fmt.Errorf("no stats URL configured for %s", t.deviceID)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.statsURL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := t.client.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		res.Err = err
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		res.Latency = time.Since(start)
		res.Err = fmt.Errorf("stats endpoint returned HTTP %d", resp.StatusCode)
		return res
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		res.Latency = time.Since(start)
		res.Err = err
		return res
	}
	var stats matrixStats
	if err := json.Unmarshal(data, &stats); err != nil {
		res.Latency = time.Since(start)
		res.Err = fmt.Errorf("failed to parse stats: %w", err)
		return res
	}

	res.OK = true
	res.Latency = time.Since(start)
	return res
}
