// Package protocol defines the message envelope exchanged over the frame
// channel and the WebSocket wire framing that carries it between the
// server, frame sources, and relay clients.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwulff/signage-sub002/internal/frame"
)

// Envelope types. Receivers ignore anything else.
const (
	TypeConnect    = "connect"
	TypeConnected  = "connected"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeFrame      = "frame"
)

// Envelope is the typed wire message for the persistent channel.
// Timestamp is unix milliseconds at send time.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh timestamp. A nil payload
// produces an envelope with no payload field.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// ConnectPayload identifies the connecting endpoint so the server can route
// frames to it. Type is "web" for browser emulators or a device kind such
// as "pixoo".
type ConnectPayload struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// FrameData is the pixel payload of a frame envelope: flat row-major RGB
// bytes, base64 encoded.
type FrameData struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   string `json:"data"`
}

// FramePayload wraps FrameData with an optional routing target. An empty
// TerminalID addresses every connected display.
type FramePayload struct {
	Frame      FrameData `json:"frame"`
	TerminalID string    `json:"terminalId,omitempty"`
}

// NewFrameEnvelope wraps a frame for the wire.
func NewFrameEnvelope(f *frame.Frame, terminalID string) (Envelope, error) {
	return NewEnvelope(TypeFrame, FramePayload{
		Frame: FrameData{
			Width:  f.Width,
			Height: f.Height,
			Data:   base64.StdEncoding.EncodeToString(f.Pixels),
		},
		TerminalID: terminalID,
	})
}
