// SPDX-License-Identifier: MIT

package builtin

import (
	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/scene"
)

// glyphWidth and glyphHeight are the dimensions of the built-in 3x5
// digit font. Small enough to fit a HH:MM clock on the 32x8 matrix.
const (
	glyphWidth  = 3
	glyphHeight = 5
)

// digitFont maps characters to 3x5 bitmaps, one row per byte, MSB on
// the left.
var digitFont = map[rune][glyphHeight]uint8{
	'0': {0b111, 0b101, 0b101, 0b101, 0b111},
	'1': {0b010, 0b110, 0b010, 0b010, 0b111},
	'2': {0b111, 0b001, 0b111, 0b100, 0b111},
	'3': {0b111, 0b001, 0b111, 0b001, 0b111},
	'4': {0b101, 0b101, 0b111, 0b001, 0b001},
	'5': {0b111, 0b100, 0b111, 0b001, 0b111},
	'6': {0b111, 0b100, 0b111, 0b101, 0b111},
	'7': {0b111, 0b001, 0b010, 0b010, 0b010},
	'8': {0b111, 0b101, 0b111, 0b101, 0b111},
	'9': {0b111, 0b101, 0b111, 0b001, 0b111},
	':': {0b000, 0b010, 0b000, 0b010, 0b000},
}

// drawText renders s at (x, y) in color c. Unknown characters advance
// the cursor without drawing.
func drawText(surface scene.Surface, s string, x, y int, c device.RGB) {
	for _, r := range s {
		if glyph, ok := digitFont[r]; ok {
			for row := 0; row < glyphHeight; row++ {
				for col := 0; col < glyphWidth; col++ {
					if glyph[row]&(1<<(glyphWidth-1-col)) != 0 {
						surface.SetPixel(x+col, y+row, c)
					}
				}
			}
		}
		x += glyphWidth + 1
	}
}

// textWidth returns the pixel width of s in the built-in font.
func textWidth(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return n*glyphWidth + (n-1)
}
