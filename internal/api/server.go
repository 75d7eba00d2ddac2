// SPDX-License-Identifier: MIT

// Package api is the REST + WebSocket ingress: it mirrors the bus
// command sections over HTTP and streams state to dashboard clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pidicon/pidicon/internal/command"
	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/metrics"
	"github.com/pidicon/pidicon/internal/runtime"
	"github.com/pidicon/pidicon/internal/scene"
	"github.com/pidicon/pidicon/internal/state"
	"github.com/pidicon/pidicon/internal/watchdog"
)

// staleHeartbeatAfter is how old the daemon heartbeat may get before
// /api/status flags it. Three missed 30s beats.
const staleHeartbeatAfter = 90 * time.Second

// metricsBroadcastInterval paces the metrics_update stream.
const metricsBroadcastInterval = 2 * time.Second

// Dispatcher is the command entry point. *command.Router satisfies it.
type Dispatcher interface {
	Handle(cmd command.Command) error
}

// ServerConfig assembles a Server.
type ServerConfig struct {
	Addr       string
	Manager    *runtime.Manager
	Dispatcher Dispatcher
	Scenes     *scene.Registry
	Watchdog   *watchdog.Watchdog
	Store      *state.Store
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Version    string
}

// Server is the HTTP ingress. It implements suture's Service
// interface; Serve binds synchronously so a port conflict fails fast.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	hub     *Hub
	mux     *chi.Mux
	started time.Time
}

// NewServer wires the routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "api"),
		started: time.Now(),
	}
	s.hub = NewHub(s.initSnapshot, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/scenes", s.handleListScenes)
		r.Get("/status", s.handleStatus)
		r.Route("/devices/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/scene", s.handleScene)
			r.Post("/display", s.handleDisplay)
			r.Post("/brightness", s.handleBrightness)
			r.Post("/driver", s.handleDriver)
			r.Post("/reset", s.handleReset)
		})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/ws", s.hub.ServeWS)

	s.mux = r
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub exposes the WebSocket hub so worker events can be fanned out.
func (s *Server) Hub() *Hub { return s.hub }

// Serve binds and runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("api server listening", "addr", s.cfg.Addr)

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ticker := time.NewTicker(metricsBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.hub.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("api shutdown incomplete", "error", err)
			}
			s.logger.Info("api server stopped")
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("api server failed: %w", err)
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.hub.Broadcast(MsgMetricsUpdate, s.cfg.Manager.Snapshots())
			}
		}
	}
}

// SceneState implements runtime.Publisher: lifecycle transitions reach
// dashboards as scene_switch messages.
func (s *Server) SceneState(snap runtime.StateSnapshot) {
	s.hub.Broadcast(MsgSceneSwitch, snap)
}

// OK implements runtime.Publisher. Dashboards track state broadcasts,
// not acks.
func (s *Server) OK(string, string, string) {}

// Error implements runtime.Publisher: failures surface as
// device_update messages so dashboards can show them.
func (s *Server) Error(deviceID, action, message string, detail map[string]any) {
	s.hub.Broadcast(MsgDeviceUpdate, map[string]any{
		"deviceId": deviceID,
		"action":   action,
		"error":    message,
		"detail":   detail,
	})
}

// deviceView is the REST representation of one device.
type deviceView struct {
	runtime.StateSnapshot
	Capabilities device.Capabilities `json:"capabilities"`
	Health       *watchdog.Record    `json:"health,omitempty"`
	Persisted    map[string]any      `json:"persisted"`
}

func (s *Server) deviceViewFor(w *runtime.Worker) deviceView {
	view := deviceView{
		StateSnapshot: w.Snapshot(),
		Capabilities:  w.Capabilities(),
		Persisted:     s.cfg.Store.DeviceView(w.DeviceID()),
	}
	if s.cfg.Watchdog != nil {
		if rec, ok := s.cfg.Watchdog.GetDeviceHealth(w.DeviceID()); ok {
			view.Health = &rec
		}
	}
	return view
}

func (s *Server) initSnapshot() any {
	workers := s.cfg.Manager.Workers()
	devices := make([]deviceView, len(workers))
	for i, w := range workers {
		devices[i] = s.deviceViewFor(w)
	}
	return map[string]any{"devices": devices}
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	workers := s.cfg.Manager.Workers()
	out := make([]deviceView, len(workers))
	for i, wk := range workers {
		out[i] = s.deviceViewFor(wk)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	worker, ok := s.cfg.Manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, s.deviceViewFor(worker))
}

// sceneView is the REST representation of one registered scene.
type sceneView struct {
	Name         string         `json:"name"`
	WantsLoop    bool           `json:"wantsLoop"`
	DeviceTypes  []string       `json:"deviceTypes,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	ConfigSchema map[string]any `json:"configSchema,omitempty"`
}

func (s *Server) handleListScenes(w http.ResponseWriter, _ *http.Request) {
	regs := s.cfg.Scenes.List()
	out := make([]sceneView, len(regs))
	for i, reg := range regs {
		view := sceneView{
			Name:         reg.Name,
			WantsLoop:    reg.WantsLoop,
			Tags:         reg.Tags,
			ConfigSchema: reg.ConfigSchema,
		}
		for _, k := range reg.DeviceKinds {
			view.DeviceTypes = append(view.DeviceTypes, string(k))
		}
		out[i] = view
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	meta := s.cfg.Store.DaemonMeta()
	stale := false
	if meta.HeartbeatTs > 0 {
		stale = time.Since(time.UnixMilli(meta.HeartbeatTs)) > staleHeartbeatAfter
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.cfg.Version,
		"uptimeSeconds":  int64(time.Since(s.started).Seconds()),
		"startTs":        meta.StartTs,
		"heartbeatTs":    meta.HeartbeatTs,
		"staleHeartbeat": stale,
		"devices":        len(s.cfg.Manager.IDs()),
	})
}

// sceneRequest is the POST /scene body.
type sceneRequest struct {
	Action  string         `json:"action"` // set (default), pause, resume, stop
	Scene   string         `json:"scene"`
	Payload map[string]any `json:"payload"`
	Clear   bool           `json:"clear"`
}

func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	var req sceneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action := req.Action
	if action == "" {
		action = "set"
	}
	s.dispatch(w, r, command.Command{
		Section: command.SectionScene,
		Action:  action,
		Payload: map[string]any{
			"scene":   req.Scene,
			"payload": req.Payload,
			"clear":   req.Clear,
		},
	})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payload := map[string]any{}
	if req.On != nil {
		payload["on"] = *req.On
	}
	s.dispatch(w, r, command.Command{
		Section: command.SectionDisplay,
		Action:  "set",
		Payload: payload,
	})
}

func (s *Server) handleBrightness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level *int `json:"level"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payload := map[string]any{}
	if req.Level != nil {
		payload["level"] = *req.Level
	}
	s.dispatch(w, r, command.Command{
		Section: command.SectionBrightness,
		Action:  "set",
		Payload: payload,
	})
}

func (s *Server) handleDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Driver string `json:"driver"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.dispatch(w, r, command.Command{
		Section: command.SectionDriver,
		Action:  "set",
		Payload: map[string]any{"driver": req.Driver},
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, command.Command{
		Section: command.SectionReset,
		Action:  "run",
		Payload: map[string]any{},
	})
}

// dispatch routes the command and maps classified failures to HTTP
// status codes.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	cmd.DeviceID = chi.URLParam(r, "deviceID")
	cmd.Source = "api"

	if err := s.cfg.Dispatcher.Handle(cmd); err != nil {
		writeError(w, command.KindOf(err).HTTPStatus(), err.Error())
		return
	}

	worker, ok := s.cfg.Manager.Get(cmd.DeviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  worker.Snapshot(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
