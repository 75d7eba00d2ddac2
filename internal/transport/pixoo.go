// SPDX-License-Identifier: MIT

// Package transport contains the concrete device drivers: the HTTP
// panel driver, the message-bus matrix driver, and the mock driver
// used for development without hardware.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pidicon/pidicon/internal/device"
)

// PanelTransport drives a 64x64 panel over its HTTP command endpoint.
// All commands are POSTs of a JSON body to a single /post path; the
// panel answers {"error_code": 0} on success.
type PanelTransport struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	picID int
}

// NewPanelTransport creates the HTTP panel driver. client may be nil to
// use a default with sane timeouts.
func NewPanelTransport(baseURL string, client *http.Client, logger *slog.Logger) *PanelTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PanelTransport{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With("transport", "pixoo64-http"),
	}
}

// Name implements device.Transport.
func (t *PanelTransport) Name() string { return "pixoo64-http" }

// panelResponse is the panel's uniform command reply.
type panelResponse struct {
	ErrorCode int `json:"error_code"`
}

// post sends one JSON command and checks the panel's error code.
func (t *PanelTransport) post(ctx context.Context, cmd map[string]any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode panel command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/post", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build panel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("panel request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("panel returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read panel response: %w", err)
	}
	var pr panelResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return fmt.Errorf("failed to parse panel response: %w", err)
	}
	if pr.ErrorCode != 0 {
		return fmt.Errorf("panel rejected command with error_code %d", pr.ErrorCode)
	}
	return nil
}

// Push sends a full frame as a single-picture animation. The picture ID
// counter wraps periodically; the panel requires a reset command before
// reuse.
func (t *PanelTransport) Push(ctx context.Context, frame *device.Frame) error {
	t.mu.Lock()
	t.picID++
	id := t.picID
	t.mu.Unlock()

	if id >= 1000 {
		if err := t.post(ctx, map[string]any{"Command": "Draw/ResetHttpGifId"}); err != nil {
			t.logger.Warn("failed to reset panel picture counter", "error", err)
		}
		t.mu.Lock()
		t.picID = 1
		id = 1
		t.mu.Unlock()
	}

	raw := make([]byte, 0, len(frame.Pixels)*3)
	for _, p := range frame.Pixels {
		raw = append(raw, p.R, p.G, p.B)
	}

	return t.post(ctx, map[string]any{
		"Command":   "Draw/SendHttpGif",
		"PicNum":    1,
		"PicWidth":  frame.Width,
		"PicOffset": 0,
		"PicID":     id,
		"PicSpeed":  1000,
		"PicData":   base64.StdEncoding.EncodeToString(raw),
	})
}

// Clear blanks the panel by pushing an all-black frame. The firmware
// has no dedicated clear command for the gif channel.
func (t *PanelTransport) Clear(ctx context.Context) error {
	frame := device.NewFrame(64, 64)
	return t.Push(ctx, frame)
}

// SetBrightness sets panel brightness, 0-100.
func (t *PanelTransport) SetBrightness(ctx context.Context, level int) error {
	return t.post(ctx, map[string]any{
		"Command":    "Channel/SetBrightness",
		"Brightness": level,
	})
}

// SetPower turns the screen on or off.
func (t *PanelTransport) SetPower(ctx context.Context, on bool) error {
	onOff := 0
	if on {
		onOff = 1
	}
	return t.post(ctx, map[string]any{
		"Command": "Channel/OnOffScreen",
		"OnOff":   onOff,
	})
}

// Probe implements device.Prober with a cheap status command. Latency
// is measured from request send to response parse.
func (t *PanelTransport) Probe(ctx context.Context) device.ProbeResult {
	start := time.Now()
	err := t.post(ctx, map[string]any{"Command": "Channel/GetAllConf"})
	return device.ProbeResult{
		OK:      err == nil,
		Latency: time.Since(start),
		Err:     err,
	}
}
