// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/metrics"
	"github.com/pidicon/pidicon/internal/scene"
	"github.com/pidicon/pidicon/internal/state"
	"github.com/pidicon/pidicon/internal/util"
)

// ErrBusy is returned when a device's command queue is full.
var ErrBusy = errors.New("device command queue full")

// defaultMailboxSize is the command queue depth per device. Commands
// are small; the queue only fills if a scene wedges the loop.
const defaultMailboxSize = 64

// fpsSmoothing is the EMA weight for the fps gauge.
const fpsSmoothing = 0.2

// renderRetryFloor is the minimum re-arm interval after a failed render
// when no good cadence is known yet.
const renderRetryFloor = 250 * time.Millisecond

type cmdKind int

const (
	cmdSwitch cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdUpdatePayload
	cmdSetPower
	cmdSetBrightness
	cmdRerender
	cmdResetMetrics
	cmdClearScreen
)

type command struct {
	kind    cmdKind
	scene   string
	payload map[string]any
	clear   bool
	on      bool
	level   int
}

// WorkerConfig assembles a Worker's collaborators.
type WorkerConfig struct {
	Device      *device.Device
	Scenes      *scene.Registry
	Store       *state.Store
	Metrics     *metrics.Metrics
	Publisher   Publisher
	Logger      *slog.Logger
	PushTimeout time.Duration
	MailboxSize int
}

// Worker is the single writer for one device: every lifecycle command
// and every frame for the device flows through its goroutine, which
// gives per-device ordering for free and isolates devices from each
// other.
//
// Worker implements suture's Service interface; Serve runs until the
// context is canceled.
type Worker struct {
	dev       *device.Device
	scenes    *scene.Registry
	store     *state.Store
	metrics   *metrics.Metrics
	publisher Publisher
	logger    *slog.Logger

	pushTimeout time.Duration
	mailbox     chan command

	// Loop-local state. Only the Serve goroutine touches these.
	generation    uint64
	status        SceneStatus
	sceneName     string
	current       scene.Scene
	env           *scene.Env
	currentReg    scene.Registration
	payload       map[string]any
	startedAt     time.Time
	loopScheduled bool
	storedDelay   time.Duration
	lastFrame     *device.Frame
	lastFrameAt   time.Time
	rm            RenderMetrics
	timer         *time.Timer

	snap atomic.Pointer[StateSnapshot]
}

// NewWorker creates a worker for one device. It does not start the
// loop; hand the worker to a supervisor.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{
		dev:         cfg.Device,
		scenes:      cfg.Scenes,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger.With("component", "worker", "device", cfg.Device.ID()),
		pushTimeout: cfg.PushTimeout,
		mailbox:     make(chan command, cfg.MailboxSize),
		status:      StatusIdle,
		storedDelay: -1,
	}
	w.publishSnapshot(false)
	return w
}

// DeviceID returns the worker's device.
func (w *Worker) DeviceID() string { return w.dev.ID() }

// Capabilities returns the device's capability set.
func (w *Worker) Capabilities() device.Capabilities { return w.dev.Capabilities() }

// Snapshot returns the latest published state without blocking the
// render loop.
func (w *Worker) Snapshot() StateSnapshot {
	return *w.snap.Load()
}

func (w *Worker) enqueue(c command) error {
	select {
	case w.mailbox <- c:
		return nil
	default:
		return ErrBusy
	}
}

// Switch activates a scene. The transition itself is asynchronous;
// init failures are published on the device's error channel.
func (w *Worker) Switch(name string, payload map[string]any, clear bool) error {
	return w.enqueue(command{kind: cmdSwitch, scene: name, payload: payload, clear: clear})
}

// Pause freezes the render loop without tearing down the scene.
func (w *Worker) Pause() error { return w.enqueue(command{kind: cmdPause}) }

// Resume re-arms a paused loop.
func (w *Worker) Resume() error { return w.enqueue(command{kind: cmdResume}) }

// Stop ends the current activation and clears the screen.
func (w *Worker) Stop() error { return w.enqueue(command{kind: cmdStop}) }

// UpdatePayload hands new parameters to the running scene. The scene
// sees them on its next render; no new generation is allocated.
func (w *Worker) UpdatePayload(payload map[string]any) error {
	return w.enqueue(command{kind: cmdUpdatePayload, payload: payload})
}

// SetPower applies display power through the worker so it serializes
// with frame pushes.
func (w *Worker) SetPower(on bool) error {
	return w.enqueue(command{kind: cmdSetPower, on: on})
}

// SetBrightness applies display brightness through the worker.
func (w *Worker) SetBrightness(level int) error {
	return w.enqueue(command{kind: cmdSetBrightness, level: level})
}

// Rerender repaints the device after a driver switch: a running scene
// renders a fresh frame, a paused one gets its cached frame re-pushed.
// The generation does not change.
func (w *Worker) Rerender() error { return w.enqueue(command{kind: cmdRerender}) }

// ResetMetrics zeroes the render counters.
func (w *Worker) ResetMetrics() error { return w.enqueue(command{kind: cmdResetMetrics}) }

// ClearScreen blanks the display without touching the scene slot. A
// running loop repaints on its next frame.
func (w *Worker) ClearScreen() error { return w.enqueue(command{kind: cmdClearScreen}) }

// Serve runs the device loop until ctx is canceled.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("device worker started", "type", string(w.dev.Kind()))

	for {
		var timerC <-chan time.Time
		if w.timer != nil {
			timerC = w.timer.C
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()

		case cmd := <-w.mailbox:
			w.handle(ctx, cmd)

		case <-timerC:
			w.timer = nil
			// Commands that arrived during the wait apply before the
			// frame. If one of them switched, paused or re-armed, this
			// tick belongs to a dead schedule and is dropped.
			gen := w.generation
			w.drainMailbox(ctx)
			if w.generation == gen && w.status == StatusRunning && w.loopScheduled && w.timer == nil {
				w.renderFrame(ctx)
			}
		}
	}
}

func (w *Worker) drainMailbox(ctx context.Context) {
	for {
		select {
		case cmd := <-w.mailbox:
			w.handle(ctx, cmd)
		default:
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSwitch:
		w.switchTo(ctx, cmd.scene, cmd.payload, cmd.clear)
	case cmdPause:
		w.pause()
	case cmdResume:
		w.resume()
	case cmdStop:
		w.stop(ctx)
	case cmdUpdatePayload:
		w.updatePayload(cmd.payload)
	case cmdSetPower:
		w.applyPower(ctx, cmd.on)
	case cmdSetBrightness:
		w.applyBrightness(ctx, cmd.level)
	case cmdRerender:
		w.rerender(ctx)
	case cmdResetMetrics:
		w.resetMetrics()
	case cmdClearScreen:
		w.clearScreen(ctx)
	}
}

// switchTo implements the SWITCHING transition: allocate a new
// generation, tear down the previous activation, clear if needed, init
// the new scene, persist the choice, render the first frame.
func (w *Worker) switchTo(ctx context.Context, name string, payload map[string]any, clear bool) {
	reg, ok := w.scenes.Get(name)
	if !ok {
		w.publisher.Error(w.dev.ID(), "scene", "unknown scene", map[string]any{"scene": name})
		return
	}
	if !reg.SupportsKind(w.dev.Kind()) {
		w.publisher.Error(w.dev.ID(), "scene", "scene does not support this device type",
			map[string]any{"scene": name, "deviceType": string(w.dev.Kind())})
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}

	prevName := w.sceneName
	prevStatus := w.status
	prev := w.current
	prevEnv := w.env

	// The generation advances before any teardown so stale pushes from
	// the old activation hit the gate from here on.
	w.generation++
	w.sceneName = name
	w.payload = payload
	w.status = StatusSwitching
	w.stopTimer()
	w.publishSnapshot(true)

	if prev != nil && prevStatus != StatusStopped {
		if err := util.Guard("scene cleanup", w.logger, func() error {
			return prev.Cleanup(ctx, prevEnv)
		}); err != nil {
			w.logger.Warn("scene cleanup failed", "scene", prevName, "error", err)
		}
	}
	w.current = nil
	w.env = nil
	w.lastFrame = nil

	// A different scene always starts from a blank screen; the same
	// scene clears only on request.
	if prevName != name || clear {
		cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
		if err := w.dev.Clear(cctx); err != nil {
			w.logger.Warn("failed to clear display", "error", err)
			w.countError("transport")
		}
		cancel()
	}

	surface := newFrameSurface(w, w.generation)
	env := &scene.Env{
		DeviceID:   w.dev.ID(),
		Generation: w.generation,
		Surface:    surface,
		State:      scene.NewHandle(w.store, w.dev.ID(), name),
		Logger:     w.logger.With("scene", name, "generation", w.generation),
		Payload:    payload,
		PublishOK: func(message string) {
			w.publisher.OK(w.dev.ID(), "scene", message)
		},
	}

	inst := reg.New()
	if err := util.Guard("scene init", w.logger, func() error {
		return inst.Init(ctx, env)
	}); err != nil {
		w.logger.Error("scene init failed", "scene", name, "error", err)
		w.status = StatusStopped
		w.loopScheduled = false
		w.storedDelay = -1
		w.publisher.Error(w.dev.ID(), "scene", "scene init failed",
			map[string]any{"scene": name, "payload": payload, "error": err.Error()})
		w.publishSnapshot(true)
		return
	}

	w.current = inst
	w.currentReg = reg
	w.env = env
	w.status = StatusRunning
	w.startedAt = time.Now()
	w.lastFrameAt = time.Time{}
	if w.metrics != nil {
		w.metrics.GenerationsTotal.WithLabelValues(w.dev.ID()).Inc()
	}

	// The scene choice is an intentional user action: one critical
	// flush covers all three keys.
	w.store.Set(state.NamespaceDevice, w.dev.ID(), state.KeyActiveScene, name)
	w.store.Set(state.NamespaceDevice, w.dev.ID(), state.KeyActiveScenePayload, payload)
	if err := w.store.SetCritical(state.NamespaceDevice, w.dev.ID(), state.KeyPlayState, StatusRunning.String()); err != nil {
		w.logger.Warn("failed to persist scene switch", "error", err)
	}

	w.logger.Info("scene activated", "scene", name, "generation", w.generation)
	w.publishSnapshot(true)
	w.renderFrame(ctx)
}

// renderFrame runs one render, pushes, and schedules the next fire
// with skew compensation: the next fire is tStart+delay, not
// tEnd+delay, so long frames never accumulate drift.
func (w *Worker) renderFrame(ctx context.Context) {
	if w.current == nil || w.status != StatusRunning {
		return
	}

	tStart := time.Now()
	var delay time.Duration
	err := util.Guard("scene render", w.logger, func() error {
		var rerr error
		delay, rerr = w.current.Render(ctx, w.env)
		return rerr
	})
	frametime := time.Since(tStart)

	w.rm.FrameCount++
	w.rm.LastFrametimeMs = float64(frametime.Microseconds()) / 1000.0
	if !w.lastFrameAt.IsZero() {
		if interval := tStart.Sub(w.lastFrameAt).Seconds(); interval > 0 {
			inst := 1.0 / interval
			if w.rm.FPS == 0 {
				w.rm.FPS = inst
			} else {
				w.rm.FPS = w.rm.FPS*(1-fpsSmoothing) + inst*fpsSmoothing
			}
		}
	}
	w.lastFrameAt = tStart

	if w.metrics != nil {
		w.metrics.FramesTotal.WithLabelValues(w.dev.ID(), w.sceneName).Inc()
		w.metrics.FrametimeMs.WithLabelValues(w.dev.ID()).Set(w.rm.LastFrametimeMs)
		w.metrics.FPS.WithLabelValues(w.dev.ID()).Set(w.rm.FPS)
	}

	if err != nil {
		// A bad scene must not take down the loop, but it does not get
		// to set the cadence either: a failing Render leaves delay at
		// zero, and trusting that would spin the worker flat out.
		// Retry at the last good cadence, or a floor when there is none.
		w.logger.Warn("scene render failed", "scene", w.sceneName, "error", err)
		w.countError("render")
		if !w.currentReg.WantsLoop {
			w.loopScheduled = false
			w.storedDelay = -1
			w.publishSnapshot(false)
			return
		}
		retry := w.storedDelay
		if retry <= 0 {
			retry = renderRetryFloor
		}
		w.storedDelay = retry
		w.armTimer(retry)
		w.publishSnapshot(false)
		return
	}

	// A negative delay always ends the loop; zero ends it too for
	// scenes that did not ask for one.
	if delay < 0 || (delay == 0 && !w.currentReg.WantsLoop) {
		w.loopScheduled = false
		w.storedDelay = -1
		w.publishSnapshot(false)
		return
	}

	target := tStart.Add(delay)
	wait := time.Until(target)
	if wait <= 0 {
		if delay > 0 {
			w.rm.Skipped++
			if w.metrics != nil {
				w.metrics.SkippedTotal.WithLabelValues(w.dev.ID()).Inc()
			}
		}
		wait = 0
	}
	w.storedDelay = delay
	w.armTimer(wait)
	w.publishSnapshot(false)
}

func (w *Worker) pause() {
	if w.status != StatusRunning {
		w.logger.Debug("pause ignored", "status", w.status.String())
		return
	}
	w.stopTimer()
	w.status = StatusPaused
	if err := w.store.SetCritical(state.NamespaceDevice, w.dev.ID(), state.KeyPlayState, StatusPaused.String()); err != nil {
		w.logger.Warn("failed to persist pause", "error", err)
	}
	w.logger.Info("scene paused", "scene", w.sceneName)
	w.publishSnapshot(true)
}

func (w *Worker) resume() {
	if w.status != StatusPaused {
		w.logger.Debug("resume ignored", "status", w.status.String())
		return
	}
	w.status = StatusRunning
	if err := w.store.SetCritical(state.NamespaceDevice, w.dev.ID(), state.KeyPlayState, StatusRunning.String()); err != nil {
		w.logger.Warn("failed to persist resume", "error", err)
	}
	if w.storedDelay >= 0 {
		w.armTimer(w.storedDelay)
	}
	w.logger.Info("scene resumed", "scene", w.sceneName)
	w.publishSnapshot(true)
}

func (w *Worker) stop(ctx context.Context) {
	if w.current != nil {
		if err := util.Guard("scene cleanup", w.logger, func() error {
			return w.current.Cleanup(ctx, w.env)
		}); err != nil {
			w.logger.Warn("scene cleanup failed", "scene", w.sceneName, "error", err)
		}
	}
	w.current = nil
	w.env = nil
	w.lastFrame = nil
	w.stopTimer()
	w.storedDelay = -1

	cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	if err := w.dev.Clear(cctx); err != nil {
		w.logger.Warn("failed to clear display on stop", "error", err)
		w.countError("transport")
	}
	cancel()

	w.status = StatusStopped
	if err := w.store.SetCritical(state.NamespaceDevice, w.dev.ID(), state.KeyPlayState, StatusStopped.String()); err != nil {
		w.logger.Warn("failed to persist stop", "error", err)
	}
	w.logger.Info("scene stopped", "scene", w.sceneName)
	w.publishSnapshot(true)
}

func (w *Worker) updatePayload(payload map[string]any) {
	if w.current == nil {
		w.publisher.Error(w.dev.ID(), "state", "no active scene for payload update", nil)
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	w.payload = payload
	w.env.Payload = payload
	// Parameter updates are frequent (sliders, live tuning); the
	// debounce window absorbs them.
	w.store.Set(state.NamespaceDevice, w.dev.ID(), state.KeyActiveScenePayload, payload)
	w.publishSnapshot(true)
}

func (w *Worker) applyPower(ctx context.Context, on bool) {
	cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()
	if err := w.dev.SetPower(cctx, on); err != nil {
		w.logger.Warn("failed to apply display power", "on", on, "error", err)
		w.countError("transport")
		w.publisher.Error(w.dev.ID(), "display", "failed to apply display power",
			map[string]any{"on": on, "error": err.Error()})
	}
}

func (w *Worker) applyBrightness(ctx context.Context, level int) {
	cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()
	if err := w.dev.SetBrightness(cctx, level); err != nil {
		w.logger.Warn("failed to apply brightness", "level", level, "error", err)
		w.countError("transport")
		w.publisher.Error(w.dev.ID(), "brightness", "failed to apply brightness",
			map[string]any{"level": level, "error": err.Error()})
	}
}

func (w *Worker) rerender(ctx context.Context) {
	switch w.status {
	case StatusRunning:
		if w.current != nil {
			w.renderFrame(ctx)
		}
	case StatusPaused:
		if w.lastFrame == nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
		defer cancel()
		if err := w.dev.Push(cctx, w.lastFrame); err != nil {
			w.logger.Warn("failed to re-push cached frame", "error", err)
			w.countError("push")
			return
		}
		w.rm.Pushes++
		if w.metrics != nil {
			w.metrics.PushesTotal.WithLabelValues(w.dev.ID()).Inc()
		}
		w.publishSnapshot(false)
	default:
	}
}

func (w *Worker) clearScreen(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()
	if err := w.dev.Clear(cctx); err != nil {
		w.logger.Warn("failed to clear display", "error", err)
		w.countError("transport")
	}
}

func (w *Worker) resetMetrics() {
	w.rm = RenderMetrics{}
	w.lastFrameAt = time.Time{}
	if w.metrics != nil {
		w.metrics.FPS.WithLabelValues(w.dev.ID()).Set(0)
		w.metrics.FrametimeMs.WithLabelValues(w.dev.ID()).Set(0)
	}
	w.logger.Info("render metrics reset")
	w.publishSnapshot(false)
}

// shutdown tears down the current activation on daemon exit. The loop
// context is already dead, so teardown gets its own bounded context.
func (w *Worker) shutdown() {
	w.stopTimer()
	if w.current != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.pushTimeout)
		if err := util.Guard("scene cleanup", w.logger, func() error {
			return w.current.Cleanup(ctx, w.env)
		}); err != nil {
			w.logger.Warn("scene cleanup failed during shutdown", "scene", w.sceneName, "error", err)
		}
		cancel()
		w.current = nil
	}
	w.logger.Info("device worker stopped")
}

func (w *Worker) countError(kind string) {
	w.rm.Errors++
	if w.metrics != nil {
		w.metrics.ErrorsTotal.WithLabelValues(w.dev.ID(), kind).Inc()
	}
}

func (w *Worker) armTimer(d time.Duration) {
	w.stopTimer()
	w.timer = time.NewTimer(d)
	w.loopScheduled = true
}

func (w *Worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.loopScheduled = false
}

// publishSnapshot refreshes the lock-free snapshot and optionally
// broadcasts it as a scene/state event.
func (w *Worker) publishSnapshot(broadcast bool) {
	snap := StateSnapshot{
		DeviceID:      w.dev.ID(),
		Scene:         w.sceneName,
		Generation:    w.generation,
		Status:        w.status.String(),
		Payload:       w.payload,
		LoopScheduled: w.loopScheduled,
		Driver:        w.dev.Driver().String(),
		Metrics:       w.rm,
	}
	if !w.startedAt.IsZero() && (w.status == StatusRunning || w.status == StatusPaused) {
		snap.StartedAt = w.startedAt.UnixMilli()
	}
	w.snap.Store(&snap)
	if broadcast {
		w.publisher.SceneState(snap)
	}
}
