// SPDX-License-Identifier: MIT

package runtime

import (
	"context"

	"github.com/pidicon/pidicon/internal/device"
)

// frameSurface is the drawing target handed to a scene activation. It
// is bound to the generation that created it: a push from a surface
// whose generation is no longer current is dropped before it reaches
// the transport, so no stale frame can land on the device.
//
// frameSurface is only used from the worker goroutine.
type frameSurface struct {
	w     *Worker
	gen   uint64
	frame *device.Frame
}

func newFrameSurface(w *Worker, gen uint64) *frameSurface {
	caps := w.dev.Capabilities()
	return &frameSurface{
		w:     w,
		gen:   gen,
		frame: device.NewFrame(caps.Width, caps.Height),
	}
}

// Size implements scene.Surface.
func (s *frameSurface) Size() (int, int) {
	return s.frame.Width, s.frame.Height
}

// Fill implements scene.Surface.
func (s *frameSurface) Fill(c device.RGB) {
	s.frame.Fill(c)
}

// SetPixel implements scene.Surface.
func (s *frameSurface) SetPixel(x, y int, c device.RGB) {
	s.frame.SetPixel(x, y, c)
}

// Clear implements scene.Surface: it blanks the buffer, not the device.
func (s *frameSurface) Clear() {
	s.frame.Fill(device.RGB{})
}

// Push sends the buffer to the device, subject to the generation gate.
func (s *frameSurface) Push(ctx context.Context) error {
	w := s.w
	if s.gen != w.generation {
		w.logger.Debug("dropped frame from superseded generation",
			"frameGeneration", s.gen, "currentGeneration", w.generation)
		if w.metrics != nil {
			w.metrics.DroppedFrames.WithLabelValues(w.dev.ID()).Inc()
		}
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()
	if err := w.dev.Push(cctx, s.frame); err != nil {
		w.countError("push")
		return err
	}

	w.rm.Pushes++
	if w.metrics != nil {
		w.metrics.PushesTotal.WithLabelValues(w.dev.ID()).Inc()
	}
	w.lastFrame = s.frame.Clone()
	return nil
}
