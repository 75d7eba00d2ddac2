package util

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

func TestGuardReturnsFnError(t *testing.T) {
	want := errors.New("scene failed")
	err := Guard("render", slog.Default(), func() error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Guard() = %v, want %v", err, want)
	}
}

func TestGuardNilOnSuccess(t *testing.T) {
	if err := Guard("render", nil, func() error { return nil }); err != nil {
		t.Errorf("Guard() = %v, want nil", err)
	}
}

func TestGuardConvertsPanicToError(t *testing.T) {
	err := Guard("init", nil, func() error {
		panic("scene blew up")
	})
	if err == nil {
		t.Fatal("Guard() = nil, want error from panic")
	}
	want := fmt.Sprintf("panic in %s: %v", "init", "scene blew up")
	if err.Error() != want {
		t.Errorf("Guard() error = %q, want %q", err.Error(), want)
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	var (
		wg       sync.WaitGroup
		recorded any
	)
	wg.Add(1)
	SafeGo("worker", nil, func() {
		panic("boom")
	}, func(r any, stack []byte) {
		recorded = r
		if len(stack) == 0 {
			t.Error("expected non-empty stack trace")
		}
		wg.Done()
	})
	wg.Wait()

	if recorded != "boom" {
		t.Errorf("onPanic received %v, want %q", recorded, "boom")
	}
}
