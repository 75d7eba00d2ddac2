// SPDX-License-Identifier: MIT

package device

// RGB is one pixel, 8 bits per channel.
type RGB struct {
	R, G, B uint8
}

// Frame is a full-size framebuffer for one device, row-major.
type Frame struct {
	Width  int
	Height int
	Pixels []RGB
}

// NewFrame allocates a zeroed (black) frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pixels: make([]RGB, width*height),
	}
}

// Fill sets every pixel to c.
func (f *Frame) Fill(c RGB) {
	for i := range f.Pixels {
		f.Pixels[i] = c
	}
}

// SetPixel sets (x, y) to c. Out-of-bounds coordinates are ignored so
// scene drawing code does not need edge guards.
func (f *Frame) SetPixel(x, y int, c RGB) {
	if x < 0 || x >= f.Width || y < 0 || y >= f.Height {
		return
	}
	f.Pixels[y*f.Width+x] = c
}

// At returns the pixel at (x, y), or black when out of bounds.
func (f *Frame) At(x, y int) RGB {
	if x < 0 || x >= f.Width || y < 0 || y >= f.Height {
		return RGB{}
	}
	return f.Pixels[y*f.Width+x]
}

// Clone returns a deep copy. Workers cache the last pushed frame for
// driver-switch re-pushes, so the cached copy must not alias the
// scene's working buffer.
func (f *Frame) Clone() *Frame {
	cp := &Frame{
		Width:  f.Width,
		Height: f.Height,
		Pixels: make([]RGB, len(f.Pixels)),
	}
	copy(cp.Pixels, f.Pixels)
	return cp
}
