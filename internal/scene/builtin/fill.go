// SPDX-License-Identifier: MIT

package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/scene"
)

// FillScene paints the whole display one color and stops. Payload:
//
//	{ "color": "#RRGGBB" }
//
// Missing or unparsable colors fall back to black, which makes "fill"
// double as a manual screen blank.
type FillScene struct {
	color device.RGB
}

// Init parses the color from the payload.
func (s *FillScene) Init(_ context.Context, env *scene.Env) error {
	spec := env.PayloadString("color", "#000000")
	c, err := ParseColor(spec)
	if err != nil {
		env.Logger.Warn("unparsable fill color, using black", "color", spec, "error", err)
		c = device.RGB{}
	}
	s.color = c
	return nil
}

// Render paints one frame and ends the loop.
func (s *FillScene) Render(ctx context.Context, env *scene.Env) (time.Duration, error) {
	env.Surface.Fill(s.color)
	if err := env.Surface.Push(ctx); err != nil {
		return -1, err
	}
	return -1, nil
}

// Cleanup has nothing to release.
func (s *FillScene) Cleanup(context.Context, *scene.Env) error { return nil }

// ParseColor parses "#RRGGBB" or "RRGGBB".
func ParseColor(s string) (device.RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return device.RGB{}, fmt.Errorf("color %q is not RRGGBB", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return device.RGB{}, fmt.Errorf("color %q is not hex: %w", s, err)
	}
	return device.RGB{
		R: uint8(v >> 16),
		G: uint8(v >> 8),
		B: uint8(v),
	}, nil
}
