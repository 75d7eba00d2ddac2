// SPDX-License-Identifier: MIT

package builtin

import (
	"context"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/scene"
)

// PerformanceScene floods the device with frames to exercise the
// render loop and transport. Each frame shifts a gradient pattern so
// stalls are visible on the display. Payload:
//
//	{ "frameDelayMs": int, "frames": int }
//
// frames <= 0 runs until stopped.
type PerformanceScene struct {
	delay    time.Duration
	maxFrame int
	frame    int
}

// Init reads the loop parameters.
func (s *PerformanceScene) Init(_ context.Context, env *scene.Env) error {
	delayMs := env.PayloadInt("frameDelayMs", 100)
	if delayMs < 0 {
		delayMs = 0
	}
	s.delay = time.Duration(delayMs) * time.Millisecond
	s.maxFrame = env.PayloadInt("frames", 0)
	s.frame = env.State.GetInt("totalFrames", 0)
	return nil
}

// Render draws the next gradient step.
func (s *PerformanceScene) Render(ctx context.Context, env *scene.Env) (time.Duration, error) {
	w, h := env.Surface.Size()
	shift := s.frame % 256
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			env.Surface.SetPixel(x, y, device.RGB{
				R: uint8((x*4 + shift) % 256),
				G: uint8((y*4 + shift) % 256),
				B: uint8(shift),
			})
		}
	}
	if err := env.Surface.Push(ctx); err != nil {
		return s.delay, err
	}

	s.frame++
	env.State.Set("totalFrames", s.frame)

	if s.maxFrame > 0 && s.frame >= s.maxFrame {
		env.Logger.Info("performance run complete", "frames", s.frame)
		return -1, nil
	}
	return s.delay, nil
}

// Cleanup has nothing to release.
func (s *PerformanceScene) Cleanup(context.Context, *scene.Env) error { return nil }
