// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is a thin wrapper over the daemon's REST API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// daemonStatus mirrors GET /api/status.
type daemonStatus struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	StartTs        int64  `json:"startTs"`
	HeartbeatTs    int64  `json:"heartbeatTs"`
	StaleHeartbeat bool   `json:"staleHeartbeat"`
	Devices        int    `json:"devices"`
}

// deviceHealth mirrors the health field of a device view.
type deviceHealth struct {
	Status              string `json:"status"`
	LastSeenTs          *int64 `json:"lastSeenTs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

// deviceMetrics mirrors the metrics field of a device view.
type deviceMetrics struct {
	FrameCount int64   `json:"frameCount"`
	FPS        float64 `json:"fps"`
	Pushes     int64   `json:"pushes"`
	Skipped    int64   `json:"skipped"`
	Errors     int64   `json:"errors"`
}

// deviceView mirrors one element of GET /api/devices.
type deviceView struct {
	DeviceID   string         `json:"deviceId"`
	Scene      string         `json:"sceneName"`
	Generation uint64         `json:"generationId"`
	Status     string         `json:"status"`
	Driver     string         `json:"driver"`
	Metrics    deviceMetrics  `json:"metrics"`
	Health     *deviceHealth  `json:"health,omitempty"`
	Persisted  map[string]any `json:"persisted"`
}

// sceneInfo mirrors one element of GET /api/scenes.
type sceneInfo struct {
	Name        string   `json:"name"`
	WantsLoop   bool     `json:"wantsLoop"`
	DeviceTypes []string `json:"deviceTypes"`
	Tags        []string `json:"tags"`
}

func (c *apiClient) Status() (*daemonStatus, error) {
	var status daemonStatus
	if err := c.get("/api/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) Devices() ([]deviceView, error) {
	var devices []deviceView
	if err := c.get("/api/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *apiClient) Scenes() ([]sceneInfo, error) {
	var scenes []sceneInfo
	if err := c.get("/api/scenes", &scenes); err != nil {
		return nil, err
	}
	return scenes, nil
}

func (c *apiClient) SetScene(deviceID, scene string, payload map[string]any) error {
	return c.post("/api/devices/"+deviceID+"/scene", map[string]any{
		"scene":   scene,
		"payload": payload,
	})
}

func (c *apiClient) SceneAction(deviceID, action string) error {
	return c.post("/api/devices/"+deviceID+"/scene", map[string]any{
		"action": action,
	})
}

func (c *apiClient) SetBrightness(deviceID string, level int) error {
	return c.post("/api/devices/"+deviceID+"/brightness", map[string]any{
		"level": level,
	})
}

func (c *apiClient) SetDisplay(deviceID string, on bool) error {
	return c.post("/api/devices/"+deviceID+"/display", map[string]any{
		"on": on,
	})
}

func (c *apiClient) SetDriver(deviceID, driver string) error {
	return c.post("/api/devices/"+deviceID+"/driver", map[string]any{
		"driver": driver,
	})
}

func (c *apiClient) Reset(deviceID string) error {
	return c.post("/api/devices/"+deviceID+"/reset", map[string]any{})
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, nil)
}

// decodeResponse unmarshals a success body into out, or surfaces the
// daemon's error message on non-2xx.
func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
