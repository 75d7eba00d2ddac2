// SPDX-License-Identifier: MIT

package builtin

import (
	"context"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/scene"
)

// ClockScene renders the local time as HH:MM, centered. Payload:
//
//	{ "color": "#RRGGBB", "showSeconds": bool }
//
// The render cadence adapts: once a second with seconds shown, else
// once at the top of each minute.
type ClockScene struct {
	color       device.RGB
	showSeconds bool
	// now is injectable for tests.
	now func() time.Time
}

// Init reads display options from the payload.
func (s *ClockScene) Init(_ context.Context, env *scene.Env) error {
	c, err := ParseColor(env.PayloadString("color", "#FFFFFF"))
	if err != nil {
		c = device.RGB{R: 255, G: 255, B: 255}
	}
	s.color = c
	s.showSeconds = env.PayloadBool("showSeconds", false)
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

// Render draws the current time and schedules the next tick boundary.
func (s *ClockScene) Render(ctx context.Context, env *scene.Env) (time.Duration, error) {
	now := s.now()

	layout := "15:04"
	if s.showSeconds {
		layout = "15:04:05"
	}
	text := now.Format(layout)

	w, h := env.Surface.Size()
	if s.showSeconds && textWidth(text) > w {
		// The matrix is too narrow for HH:MM:SS.
		text = now.Format("15:04")
	}

	env.Surface.Fill(device.RGB{})
	drawText(env.Surface, text, (w-textWidth(text))/2, (h-glyphHeight)/2, s.color)
	if err := env.Surface.Push(ctx); err != nil {
		return time.Second, err
	}

	if s.showSeconds {
		return time.Second - time.Duration(now.Nanosecond()), nil
	}
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now), nil
}

// Cleanup has nothing to release.
func (s *ClockScene) Cleanup(context.Context, *scene.Env) error { return nil }
