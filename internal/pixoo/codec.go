// Package pixoo speaks the Divoom Pixoo local HTTP protocol: it encodes
// frames into the vendor's base64 draw command and pushes them to a device
// on the LAN. The codec half is pure; Sink owns the I/O.
package pixoo

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jwulff/signage-sub002/internal/frame"
)

// Defaults for BuildCommand when CommandOptions fields are zero.
const (
	DefaultPicID = 1
	DefaultSpeed = 1000 * time.Millisecond
)

// Command is the fixed-shape request body for the device's /post endpoint.
// Field names and casing are the vendor's; do not rename.
type Command struct {
	Command   string `json:"Command"`
	PicNum    int    `json:"PicNum"`
	PicWidth  int    `json:"PicWidth"`
	PicOffset int    `json:"PicOffset"`
	PicID     int    `json:"PicID"`
	PicSpeed  int    `json:"PicSpeed"`
	PicData   string `json:"PicData"`
}

// Encode serializes a frame's raw pixel bytes to standard base64,
// no line breaks, padding kept.
func Encode(f *frame.Frame) string {
	return base64.StdEncoding.EncodeToString(f.Pixels)
}

// Decode is the inverse of Encode. It rejects input that does not decode
// to exactly width*height*3 bytes.
func Decode(data string, width, height int) (*frame.Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode pixel data: %w", err)
	}
	if want := width * height * 3; len(raw) != want {
		return nil, fmt.Errorf("pixel data is %d bytes, want %d for %dx%d", len(raw), want, width, height)
	}
	return &frame.Frame{Width: width, Height: height, Pixels: raw}, nil
}

// CommandOptions tunes BuildCommand. Zero values take the defaults.
type CommandOptions struct {
	PicID int
	Speed time.Duration
}

// BuildCommand is a pure transformation from frame to device command.
func BuildCommand(f *frame.Frame, opts CommandOptions) Command {
	picID := opts.PicID
	if picID == 0 {
		picID = DefaultPicID
	}
	speed := opts.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}
	return Command{
		Command:   "Draw/SendHttpGif",
		PicNum:    1,
		PicWidth:  f.Width,
		PicOffset: 0,
		PicID:     picID,
		PicSpeed:  int(speed.Milliseconds()),
		PicData:   Encode(f),
	}
}
