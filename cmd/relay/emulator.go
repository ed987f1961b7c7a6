package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/jwulff/signage-sub002/internal/frame"
)

// EmulatorSink renders frames into a terminal using truecolor background
// cells, two columns per pixel so the aspect ratio is roughly square.
// Useful for pairing and debugging a relay without a physical device.
type EmulatorSink struct {
	out io.Writer
	mu  sync.Mutex
}

func NewEmulatorSink(out io.Writer) *EmulatorSink {
	// Force escape codes even when stdout is piped; the whole point of
	// this sink is the colored output.
	color.NoColor = false
	return &EmulatorSink{out: out}
}

// Push draws the frame at the top-left of the terminal, overwriting the
// previous one in place.
func (e *EmulatorSink) Push(ctx context.Context, f *frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("\033[H") // cursor home, no clear: avoids flicker
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			px, _ := f.GetPixel(x, y)
			b.WriteString(color.BgRGB(int(px.R), int(px.G), int(px.B)).Sprint("  "))
		}
		b.WriteByte('\n')
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprint(e.out, b.String())
	return err
}
