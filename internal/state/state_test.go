package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime-state.json")
	return New(path, opts...), path
}

func TestGetSetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	s.DisablePersistence()

	if _, ok := s.Get(NamespaceDevice, "d1", KeyBrightness); ok {
		t.Error("Get() on empty store returned ok")
	}

	s.Set(NamespaceDevice, "d1", KeyBrightness, 80)
	v, ok := s.Get(NamespaceDevice, "d1", KeyBrightness)
	if !ok || v != 80 {
		t.Errorf("Get() = %v, %v, want 80, true", v, ok)
	}

	if got := s.GetInt(NamespaceDevice, "d1", KeyBrightness, -1); got != 80 {
		t.Errorf("GetInt() = %d, want 80", got)
	}
	if got := s.GetInt(NamespaceDevice, "d1", "missing", 42); got != 42 {
		t.Errorf("GetInt() missing key = %d, want default 42", got)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	s.DisablePersistence()

	s.Set(NamespaceDevice, "d1", "k", "device-value")
	s.Set(NamespaceScene, "d1", "k", "scene-value")

	if got := s.GetString(NamespaceDevice, "d1", "k", ""); got != "device-value" {
		t.Errorf("device ns = %q", got)
	}
	if got := s.GetString(NamespaceScene, "d1", "k", ""); got != "scene-value" {
		t.Errorf("scene ns = %q", got)
	}
}

func TestSceneNamespaceNotPersisted(t *testing.T) {
	s, path := newTestStore(t)

	s.Set(NamespaceScene, "d1", "counter", 7)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("scene-only writes should not create a journal file")
	}

	s.Set(NamespaceDevice, "d1", KeyDisplayOn, true)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("journal missing after device write: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("journal does not parse: %v", err)
	}
	if _, ok := doc.Devices["d1"]["counter"]; ok {
		t.Error("scene namespace leaked into the journal")
	}
	if on, ok := doc.Devices["d1"][KeyDisplayOn]; !ok || on != true {
		t.Errorf("displayOn = %v, %v, want true", on, ok)
	}
}

func TestDebouncedFlush(t *testing.T) {
	s, path := newTestStore(t, WithDebounce(30*time.Millisecond))

	s.Set(NamespaceDevice, "d1", KeyBrightness, 50)
	s.Set(NamespaceDevice, "d1", KeyBrightness, 60)
	s.Set(NamespaceDevice, "d1", KeyBrightness, 70)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("journal written before debounce window elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s2 := New(path)
	if err := s2.Restore(); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	if got := s2.GetInt(NamespaceDevice, "d1", KeyBrightness, -1); got != 70 {
		t.Errorf("restored brightness = %d, want last write 70", got)
	}
}

func TestSetCriticalFlushesImmediately(t *testing.T) {
	s, path := newTestStore(t, WithDebounce(time.Hour))

	if err := s.SetCritical(NamespaceDevice, "d1", KeyDisplayOn, false); err != nil {
		t.Fatalf("SetCritical() = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("journal not written by SetCritical: %v", err)
	}
}

func TestFlushIdempotent(t *testing.T) {
	s, path := newTestStore(t)

	s.Set(NamespaceDevice, "d1", KeyPlayState, "running")
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	first, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// No writes since the last flush: the file must not be rewritten.
	time.Sleep(10 * time.Millisecond)
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush() = %v", err)
	}
	second, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !second.ModTime().Equal(first.ModTime()) {
		t.Error("clean Flush() rewrote the journal")
	}
}

func TestRestoreMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore() on missing file = %v, want nil", err)
	}
	if len(s.Devices()) != 0 {
		t.Errorf("Devices() = %v, want empty", s.Devices())
	}
}

func TestRestoreMalformedFile(t *testing.T) {
	s, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore() on malformed file = %v, want nil", err)
	}
	if len(s.Devices()) != 0 {
		t.Errorf("Devices() = %v, want empty after reset", s.Devices())
	}
}

func TestRestorePreservesUnknownKeys(t *testing.T) {
	s, path := newTestStore(t)
	journal := `{
  "version": 1,
  "updatedAt": 1700000000000,
  "daemon": { "startTs": 1, "heartbeatTs": 2 },
  "devices": {
    "d1": { "displayOn": true, "futureDeviceKey": "kept" }
  },
  "futureTopLevel": { "nested": [1, 2, 3] }
}`
	if err := os.WriteFile(path, []byte(journal), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore() = %v", err)
	}

	s.Set(NamespaceDevice, "d1", KeyBrightness, 90)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["futureTopLevel"]; !ok {
		t.Error("unknown top-level key dropped on rewrite")
	}
	devices := out["devices"].(map[string]any)
	d1 := devices["d1"].(map[string]any)
	if d1["futureDeviceKey"] != "kept" {
		t.Errorf("unknown device key = %v, want kept", d1["futureDeviceKey"])
	}
	if d1[KeyBrightness] != float64(90) {
		t.Errorf("brightness = %v, want 90", d1[KeyBrightness])
	}
}

func TestFlushDoesNotLoseConcurrentWrites(t *testing.T) {
	s, path := newTestStore(t, WithDebounce(5*time.Millisecond))

	// A Set racing an in-flight flush must stay flushable: if the
	// flush marks the store clean after taking its snapshot, the value
	// written during the file write never reaches the journal.
	for i := 0; i < 200; i++ {
		s.Set(NamespaceDevice, "d1", "k", "seed")

		done := make(chan struct{})
		go func() {
			_ = s.Flush()
			close(done)
		}()
		s.Set(NamespaceDevice, "d1", "k", "final")
		<-done

		if err := s.Flush(); err != nil {
			t.Fatalf("Flush() = %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatal(err)
		}
		if got := doc.Devices["d1"]["k"]; got != "final" {
			t.Fatalf("iteration %d: journal holds %v, memory holds final", i, got)
		}
	}
}

func TestDaemonMetaPersisted(t *testing.T) {
	s, path := newTestStore(t)

	s.SetDaemonStart(1000)
	s.TouchHeartbeat(2000)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}

	s2 := New(path)
	if err := s2.Restore(); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	meta := s2.DaemonMeta()
	if meta.StartTs != 1000 || meta.HeartbeatTs != 2000 {
		t.Errorf("DaemonMeta() = %+v, want start 1000 heartbeat 2000", meta)
	}
}

func TestDeviceViewIsACopy(t *testing.T) {
	s, _ := newTestStore(t)
	s.DisablePersistence()

	s.Set(NamespaceDevice, "d1", KeyBrightness, 10)
	view := s.DeviceView("d1")
	view[KeyBrightness] = 99

	if got := s.GetInt(NamespaceDevice, "d1", KeyBrightness, -1); got != 10 {
		t.Errorf("mutating DeviceView changed the store: %d", got)
	}
}

func TestSnapshotMatchesJournal(t *testing.T) {
	s, path := newTestStore(t)

	s.Set(NamespaceDevice, "d1", KeyActiveScene, "clock")
	s.Set(NamespaceDevice, "d2", KeyDisplayOn, false)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if len(doc.Devices) != len(snap.Devices) {
		t.Fatalf("journal has %d devices, snapshot has %d", len(doc.Devices), len(snap.Devices))
	}
	if doc.Devices["d1"][KeyActiveScene] != "clock" {
		t.Errorf("journal activeScene = %v", doc.Devices["d1"][KeyActiveScene])
	}
	if doc.Version != DocumentVersion {
		t.Errorf("journal version = %d, want %d", doc.Version, DocumentVersion)
	}
}
