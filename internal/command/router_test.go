package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/metrics"
	"github.com/pidicon/pidicon/internal/runtime"
	"github.com/pidicon/pidicon/internal/scene"
	"github.com/pidicon/pidicon/internal/state"
	"github.com/pidicon/pidicon/internal/transport"
	"github.com/pidicon/pidicon/internal/watchdog"
)

type stubScene struct{}

func (stubScene) Init(context.Context, *scene.Env) error { return nil }
func (stubScene) Render(ctx context.Context, env *scene.Env) (time.Duration, error) {
	env.Surface.Fill(device.RGB{R: 1})
	return 10 * time.Millisecond, env.Surface.Push(ctx)
}
func (stubScene) Cleanup(context.Context, *scene.Env) error { return nil }

type eventSink struct {
	mu     sync.Mutex
	oks    []string
	errs   []map[string]any
	states int
}

func (e *eventSink) SceneState(runtime.StateSnapshot) {
	e.mu.Lock()
	e.states++
	e.mu.Unlock()
}

func (e *eventSink) OK(_, action, _ string) {
	e.mu.Lock()
	e.oks = append(e.oks, action)
	e.mu.Unlock()
}

func (e *eventSink) Error(_, _, _ string, detail map[string]any) {
	e.mu.Lock()
	e.errs = append(e.errs, detail)
	e.mu.Unlock()
}

func (e *eventSink) okCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.oks)
}

func (e *eventSink) lastErr() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs[len(e.errs)-1]
}

type routerHarness struct {
	router *Router
	worker *runtime.Worker
	dev    *device.Device
	real   *transport.MockTransport
	mock   *transport.MockTransport
	store  *state.Store
	wd     *watchdog.Watchdog
	sink   *eventSink
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()

	real := transport.NewMockTransport()
	mock := transport.NewMockTransport()
	dev := device.New("d1", device.KindPixoo64, real, mock, real)

	devices := device.NewRegistry()
	if err := devices.Add(dev); err != nil {
		t.Fatal(err)
	}

	scenes := scene.NewRegistry()
	if err := scenes.Register(scene.Registration{
		Name:      "stub",
		WantsLoop: true,
		New:       func() scene.Scene { return stubScene{} },
	}); err != nil {
		t.Fatal(err)
	}
	if err := scenes.Register(scene.Registration{
		Name:        "matrix-only",
		DeviceKinds: []device.Kind{device.KindMatrix},
		New:         func() scene.Scene { return stubScene{} },
	}); err != nil {
		t.Fatal(err)
	}

	store := state.New("")
	store.DisablePersistence()

	sink := &eventSink{}
	worker := runtime.NewWorker(runtime.WorkerConfig{
		Device:    dev,
		Scenes:    scenes,
		Store:     store,
		Publisher: sink,
	})
	manager := runtime.NewManager()
	if err := manager.Add(worker); err != nil {
		t.Fatal(err)
	}

	wd := watchdog.New(watchdog.Config{
		Interval:      time.Minute,
		ProbeTimeout:  time.Second,
		DegradedAfter: 2,
		OfflineAfter:  3,
		Cooldown:      time.Minute,
	}, devices, metrics.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &routerHarness{
		router: NewRouter(manager, devices, scenes, store, wd, sink, nil),
		worker: worker,
		dev:    dev,
		real:   real,
		mock:   mock,
		store:  store,
		wd:     wd,
		sink:   sink,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleUnknownDevice(t *testing.T) {
	h := newRouterHarness(t)

	err := h.router.Handle(Command{DeviceID: "ghost", Section: SectionScene, Action: "set"})
	if KindOf(err) != KindNotFound {
		t.Fatalf("Handle() = %v, want not_found", err)
	}
	if h.sink.lastErr() == nil {
		t.Error("no error published")
	}
}

func TestAnimationFrameGate(t *testing.T) {
	h := newRouterHarness(t)

	err := h.router.Handle(Command{
		DeviceID: "d1",
		Section:  SectionScene,
		Action:   "set",
		Payload:  map[string]any{"scene": "stub", "animationFrame": true},
	})
	if err != nil {
		t.Fatalf("Handle() = %v, want silent drop", err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.worker.Snapshot().Generation != 0 {
		t.Error("continuation frame reached the scene manager")
	}
	if h.sink.okCount() != 0 {
		t.Error("dropped frame produced an ok response")
	}
}

func TestSceneSetLifecycle(t *testing.T) {
	h := newRouterHarness(t)

	err := h.router.Handle(Command{
		DeviceID: "d1",
		Section:  SectionScene,
		Action:   "set",
		Payload:  map[string]any{"scene": "stub", "payload": map[string]any{"x": float64(1)}},
	})
	if err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	waitFor(t, "running", func() bool { return h.worker.Snapshot().Status == "running" })
	if h.sink.okCount() != 1 {
		t.Errorf("ok responses = %d, want 1", h.sink.okCount())
	}

	for _, action := range []string{"pause", "resume", "stop"} {
		if err := h.router.Handle(Command{DeviceID: "d1", Section: SectionScene, Action: action}); err != nil {
			t.Fatalf("Handle(%s) = %v", action, err)
		}
	}
	waitFor(t, "stopped", func() bool { return h.worker.Snapshot().Status == "stopped" })
}

func TestBusPayloadKeys(t *testing.T) {
	// Bus clients address scenes as {name} and brightness as {value};
	// the REST bodies use {scene} and {level}. Both spellings dispatch.
	h := newRouterHarness(t)

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionScene, Action: "set",
		Source:  "bus",
		Payload: map[string]any{"name": "stub"},
	}); err != nil {
		t.Fatalf("scene/set {name} = %v", err)
	}
	waitFor(t, "running", func() bool { return h.worker.Snapshot().Status == "running" })
	if got := h.worker.Snapshot().Scene; got != "stub" {
		t.Errorf("active scene = %q, want stub", got)
	}

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionBrightness, Action: "set",
		Source:  "bus",
		Payload: map[string]any{"value": float64(42)},
	}); err != nil {
		t.Fatalf("brightness/set {value} = %v", err)
	}
	if got := h.store.GetInt(state.NamespaceDevice, "d1", state.KeyBrightness, -1); got != 42 {
		t.Errorf("persisted brightness = %d, want 42", got)
	}
	waitFor(t, "brightness applied", func() bool { return h.real.Brightness() == 42 })
}

func TestSceneSetValidation(t *testing.T) {
	h := newRouterHarness(t)

	tests := []struct {
		name    string
		payload map[string]any
		want    Kind
	}{
		{"missing scene name", map[string]any{}, KindValidation},
		{"unknown scene", map[string]any{"scene": "nope"}, KindNotFound},
		{"wrong device type", map[string]any{"scene": "matrix-only"}, KindValidation},
		{"bad action", nil, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := "set"
			if tt.name == "bad action" {
				action = "explode"
			}
			err := h.router.Handle(Command{
				DeviceID: "d1", Section: SectionScene, Action: action, Payload: tt.payload,
			})
			if KindOf(err) != tt.want {
				t.Errorf("Handle() kind = %v, want %v", KindOf(err), tt.want)
			}
		})
	}

	// Scene-section errors carry the persisted state for reconciliation.
	if detail := h.sink.lastErr(); detail["persistedState"] == nil {
		t.Error("error detail missing persistedState")
	}
}

func TestBrightnessCommand(t *testing.T) {
	h := newRouterHarness(t)

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionBrightness, Action: "set",
		Payload: map[string]any{"level": float64(70)},
	}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	// Persisted immediately, applied asynchronously.
	if got := h.store.GetInt(state.NamespaceDevice, "d1", state.KeyBrightness, -1); got != 70 {
		t.Errorf("persisted brightness = %d, want 70", got)
	}
	waitFor(t, "brightness applied", func() bool { return h.real.Brightness() == 70 })

	for _, level := range []any{float64(101), float64(-1), "high", nil} {
		err := h.router.Handle(Command{
			DeviceID: "d1", Section: SectionBrightness, Action: "set",
			Payload: map[string]any{"level": level},
		})
		if KindOf(err) != KindValidation {
			t.Errorf("level %v: kind = %v, want validation", level, KindOf(err))
		}
	}
}

func TestDisplayCommand(t *testing.T) {
	h := newRouterHarness(t)

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionDisplay, Action: "set",
		Payload: map[string]any{"on": false},
	}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	if on := h.store.GetBool(state.NamespaceDevice, "d1", state.KeyDisplayOn, true); on {
		t.Error("displayOn not persisted as false")
	}
	waitFor(t, "power applied", func() bool { return !h.real.Power() })

	err := h.router.Handle(Command{DeviceID: "d1", Section: SectionDisplay, Action: "set"})
	if KindOf(err) != KindValidation {
		t.Errorf("missing on field: kind = %v, want validation", KindOf(err))
	}
}

func TestDriverCommand(t *testing.T) {
	h := newRouterHarness(t)

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionDriver, Action: "set",
		Payload: map[string]any{"driver": "mock"},
	}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	if h.dev.Driver() != device.DriverMock {
		t.Errorf("driver = %v, want mock", h.dev.Driver())
	}
	if got := h.store.GetString(state.NamespaceDevice, "d1", state.KeyDriver, ""); got != "mock" {
		t.Errorf("persisted driver = %q, want mock", got)
	}

	// Idempotent: same mode succeeds without churn.
	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionDriver, Action: "set",
		Payload: map[string]any{"driver": "mock"},
	}); err != nil {
		t.Fatalf("repeat Handle() = %v", err)
	}

	err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionDriver, Action: "set",
		Payload: map[string]any{"driver": "imaginary"},
	})
	if KindOf(err) != KindValidation {
		t.Errorf("bad driver: kind = %v, want validation", KindOf(err))
	}
}

func TestStateUpdate(t *testing.T) {
	h := newRouterHarness(t)

	_ = h.router.Handle(Command{
		DeviceID: "d1", Section: SectionScene, Action: "set",
		Payload: map[string]any{"scene": "stub"},
	})
	waitFor(t, "running", func() bool { return h.worker.Snapshot().Status == "running" })

	if err := h.router.Handle(Command{
		DeviceID: "d1", Section: SectionState, Action: "upd",
		Payload: map[string]any{"payload": map[string]any{"speed": float64(3)}},
	}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	waitFor(t, "payload propagated", func() bool {
		p := h.worker.Snapshot().Payload
		return p != nil && p["speed"] == float64(3)
	})

	err := h.router.Handle(Command{DeviceID: "d1", Section: SectionState, Action: "upd"})
	if KindOf(err) != KindValidation {
		t.Errorf("missing payload: kind = %v, want validation", KindOf(err))
	}
}

func TestResetCommand(t *testing.T) {
	h := newRouterHarness(t)

	h.real.SetProbeErr(errors.New("unreachable"))

	if err := h.router.Handle(Command{DeviceID: "d1", Section: SectionReset, Action: "run"}); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	waitFor(t, "screen cleared", func() bool { return h.real.ClearCount() >= 1 })
	waitFor(t, "metrics reset", func() bool { return h.worker.Snapshot().Metrics.FrameCount == 0 })

	rec, ok := h.wd.GetDeviceHealth("d1")
	if !ok || rec.Status != watchdog.StatusOnline || rec.ConsecutiveFailures != 0 {
		t.Errorf("health after reset = %+v", rec)
	}
}
