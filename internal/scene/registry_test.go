package scene

import (
	"context"
	"testing"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/state"
)

type nopScene struct{}

func (nopScene) Init(context.Context, *Env) error { return nil }
func (nopScene) Render(context.Context, *Env) (time.Duration, error) {
	return -1, nil
}
func (nopScene) Cleanup(context.Context, *Env) error { return nil }

func reg(name string, order int, hidden bool) Registration {
	return Registration{
		Name:      name,
		SortOrder: order,
		Hidden:    hidden,
		New:       func() Scene { return nopScene{} },
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(reg("clock", 1, false)); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if err := r.Register(reg("clock", 1, false)); err == nil {
		t.Error("duplicate Register() = nil, want error")
	}
	if err := r.Register(Registration{Name: "", New: func() Scene { return nopScene{} }}); err == nil {
		t.Error("empty name Register() = nil, want error")
	}
	if err := r.Register(Registration{Name: "x"}); err == nil {
		t.Error("nil constructor Register() = nil, want error")
	}

	if _, ok := r.Get("clock"); !ok {
		t.Error("Get(clock) = not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) = found")
	}
}

func TestRegistryListOrderingAndHidden(t *testing.T) {
	r := NewRegistry()
	for _, rg := range []Registration{
		reg("zeta", 10, false),
		reg("alpha", 10, false),
		reg("first", 1, false),
		reg("secret", 0, true),
	} {
		if err := r.Register(rg); err != nil {
			t.Fatal(err)
		}
	}

	names := func(regs []Registration) []string {
		out := make([]string, len(regs))
		for i, rg := range regs {
			out[i] = rg.Name
		}
		return out
	}

	got := names(r.List())
	want := []string{"first", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}

	if len(r.ListAll()) != 4 {
		t.Errorf("ListAll() = %d scenes, want 4", len(r.ListAll()))
	}

	// Hidden scenes remain switchable by name.
	if _, ok := r.Get("secret"); !ok {
		t.Error("hidden scene not retrievable by name")
	}
}

func TestRegistrationSupportsKind(t *testing.T) {
	any := Registration{}
	if !any.SupportsKind(device.KindPixoo64) || !any.SupportsKind(device.KindMatrix) {
		t.Error("empty DeviceKinds should allow any hardware")
	}

	only := Registration{DeviceKinds: []device.Kind{device.KindMatrix}}
	if only.SupportsKind(device.KindPixoo64) {
		t.Error("pixoo64 allowed on matrix-only scene")
	}
	if !only.SupportsKind(device.KindMatrix) {
		t.Error("matrix rejected on matrix-only scene")
	}
}

func TestHandleIsolatesScenes(t *testing.T) {
	store := state.New("")
	store.DisablePersistence()

	a := NewHandle(store, "d1", "sceneA")
	b := NewHandle(store, "d1", "sceneB")
	other := NewHandle(store, "d2", "sceneA")

	a.Set("counter", 1)
	if got := a.GetInt("counter", -1); got != 1 {
		t.Errorf("a counter = %d, want 1", got)
	}
	if _, ok := b.Get("counter"); ok {
		t.Error("sceneB sees sceneA state")
	}
	if _, ok := other.Get("counter"); ok {
		t.Error("device d2 sees d1 state")
	}
}

func TestEnvPayloadAccessors(t *testing.T) {
	env := &Env{Payload: map[string]any{
		"name":  "clock",
		"count": float64(7),
		"exact": 3,
		"flag":  true,
	}}

	if got := env.PayloadString("name", "x"); got != "clock" {
		t.Errorf("PayloadString = %q", got)
	}
	if got := env.PayloadString("missing", "fallback"); got != "fallback" {
		t.Errorf("PayloadString missing = %q", got)
	}
	if got := env.PayloadInt("count", -1); got != 7 {
		t.Errorf("PayloadInt float64 = %d", got)
	}
	if got := env.PayloadInt("exact", -1); got != 3 {
		t.Errorf("PayloadInt int = %d", got)
	}
	if got := env.PayloadBool("flag", false); !got {
		t.Error("PayloadBool = false")
	}
	if got := env.PayloadInt("name", 5); got != 5 {
		t.Errorf("PayloadInt wrong type = %d, want default", got)
	}
}
