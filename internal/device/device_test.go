package device

import (
	"context"
	"sync"
	"testing"
)

// recordingTransport counts calls for driver-switch assertions.
type recordingTransport struct {
	mu     sync.Mutex
	name   string
	pushes int
	clears int
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Push(ctx context.Context, frame *Frame) error {
	r.mu.Lock()
	r.pushes++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) SetBrightness(ctx context.Context, level int) error { return nil }
func (r *recordingTransport) SetPower(ctx context.Context, on bool) error        { return nil }

func (r *recordingTransport) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"pixoo64", KindPixoo64, false},
		{"matrix", KindMatrix, false},
		{"oled", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCapabilitiesFor(t *testing.T) {
	p := CapabilitiesFor(KindPixoo64)
	if p.Width != 64 || p.Height != 64 || p.ColorDepth != 24 {
		t.Errorf("pixoo64 caps = %+v", p)
	}
	if !p.SupportsPower || !p.SupportsText || !p.SupportsAudio {
		t.Errorf("pixoo64 caps = %+v, want power/text/audio", p)
	}
	m := CapabilitiesFor(KindMatrix)
	if m.Width != 32 || m.Height != 8 || m.ColorDepth != 24 {
		t.Errorf("matrix caps = %+v", m)
	}
	// The matrix is a bare frame sink.
	if m.SupportsPower || m.SupportsText || m.SupportsAudio {
		t.Errorf("matrix caps = %+v, want frame pushes only", m)
	}
}

func TestDriverSwitchSelectsTransport(t *testing.T) {
	real := &recordingTransport{name: "real"}
	mock := &recordingTransport{name: "mock"}
	d := New("d1", KindPixoo64, real, mock, nil)

	if d.Driver() != DriverReal {
		t.Fatalf("initial driver = %v, want real", d.Driver())
	}
	if d.Transport().Name() != "real" {
		t.Errorf("transport = %q, want real", d.Transport().Name())
	}

	if changed := d.SetDriver(DriverMock); !changed {
		t.Error("SetDriver(mock) = false, want true")
	}
	if changed := d.SetDriver(DriverMock); changed {
		t.Error("SetDriver(mock) twice = true, want false")
	}
	if d.Transport().Name() != "mock" {
		t.Errorf("transport after switch = %q, want mock", d.Transport().Name())
	}

	frame := NewFrame(64, 64)
	if err := d.Push(context.Background(), frame); err != nil {
		t.Fatalf("Push() = %v", err)
	}
	if real.pushCount() != 0 || mock.pushCount() != 1 {
		t.Errorf("pushes real=%d mock=%d, want 0/1", real.pushCount(), mock.pushCount())
	}
}

func TestProberSuppressedInMockMode(t *testing.T) {
	real := &recordingTransport{name: "real"}
	mock := &recordingTransport{name: "mock"}
	prober := proberFunc(func(ctx context.Context) ProbeResult { return ProbeResult{OK: true} })
	d := New("d1", KindPixoo64, real, mock, prober)

	if _, ok := d.Prober(); !ok {
		t.Error("Prober() in real mode = not ok, want ok")
	}
	d.SetDriver(DriverMock)
	if _, ok := d.Prober(); ok {
		t.Error("Prober() in mock mode = ok, want suppressed")
	}
}

type proberFunc func(ctx context.Context) ProbeResult

func (f proberFunc) Probe(ctx context.Context) ProbeResult { return f(ctx) }

func TestSetBrightnessRange(t *testing.T) {
	d := New("d1", KindPixoo64, &recordingTransport{}, &recordingTransport{}, nil)
	if err := d.SetBrightness(context.Background(), 101); err == nil {
		t.Error("SetBrightness(101) = nil, want range error")
	}
	if err := d.SetBrightness(context.Background(), -1); err == nil {
		t.Error("SetBrightness(-1) = nil, want range error")
	}
	if err := d.SetBrightness(context.Background(), 100); err != nil {
		t.Errorf("SetBrightness(100) = %v", err)
	}
}

func TestFrameOperations(t *testing.T) {
	f := NewFrame(4, 2)
	f.Fill(RGB{R: 1, G: 2, B: 3})
	if got := f.At(3, 1); got != (RGB{1, 2, 3}) {
		t.Errorf("At(3,1) = %v after Fill", got)
	}

	f.SetPixel(0, 0, RGB{R: 255})
	if got := f.At(0, 0); got.R != 255 {
		t.Errorf("At(0,0) = %v, want R=255", got)
	}

	// Out of bounds is a no-op, not a panic.
	f.SetPixel(-1, 0, RGB{})
	f.SetPixel(4, 0, RGB{})
	if got := f.At(99, 99); got != (RGB{}) {
		t.Errorf("At out of bounds = %v, want zero", got)
	}

	cp := f.Clone()
	cp.SetPixel(1, 1, RGB{G: 9})
	if f.At(1, 1).G == 9 {
		t.Error("Clone() shares pixel storage with original")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zz", "aa", "mm"} {
		d := New(id, KindPixoo64, &recordingTransport{}, &recordingTransport{}, nil)
		if err := r.Add(d); err != nil {
			t.Fatalf("Add(%q) = %v", id, err)
		}
	}

	if err := r.Add(New("aa", KindMatrix, nil, nil, nil)); err == nil {
		t.Error("Add duplicate = nil, want error")
	}

	ids := r.IDs()
	want := []string{"aa", "mm", "zz"}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}

	if _, ok := r.Get("mm"); !ok {
		t.Error("Get(mm) = not found")
	}
	if _, ok := r.Get("nope"); ok {
		t.Error("Get(nope) = found")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}
