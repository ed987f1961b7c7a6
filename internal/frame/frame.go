// Package frame defines the pixel buffer shared by the codec, the relay
// client, and every display sink.
package frame

// RGB is a single pixel color. No alpha channel — the wire format and the
// device both speak 3 bytes per pixel.
type RGB struct {
	R, G, B uint8
}

// Black is the default fill color for new frames.
var Black = RGB{}

// Frame is a row-major RGB pixel buffer with no padding between rows.
// A Frame is an independent value: once handed to the codec or a transport
// it must not be mutated again.
type Frame struct {
	Width  int
	Height int
	Pixels []byte // len == Width*Height*3
}

// New returns a black frame of the given dimensions.
// Non-positive dimensions yield an empty frame.
func New(width, height int) *Frame {
	return NewFilled(width, height, Black)
}

// NewFilled returns a frame of the given dimensions filled with a solid color.
func NewFilled(width, height int, fill RGB) *Frame {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	f := &Frame{
		Width:  width,
		Height: height,
		Pixels: make([]byte, width*height*3),
	}
	if fill != Black {
		for i := 0; i < len(f.Pixels); i += 3 {
			f.Pixels[i] = fill.R
			f.Pixels[i+1] = fill.G
			f.Pixels[i+2] = fill.B
		}
	}
	return f
}

// SetPixel writes one pixel. Out-of-range coordinates are silently ignored:
// this sits under hot rendering and relay paths where a bad coordinate must
// never take the pipeline down.
func (f *Frame) SetPixel(x, y int, c RGB) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := (y*f.Width + x) * 3
	f.Pixels[i] = c.R
	f.Pixels[i+1] = c.G
	f.Pixels[i+2] = c.B
}

// GetPixel reads one pixel. The second return is false for out-of-range
// coordinates; it never panics.
func (f *Frame) GetPixel(x, y int) (RGB, bool) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return RGB{}, false
	}
	i := (y*f.Width + x) * 3
	return RGB{R: f.Pixels[i], G: f.Pixels[i+1], B: f.Pixels[i+2]}, true
}
