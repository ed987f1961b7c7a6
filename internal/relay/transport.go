package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/jwulff/signage-sub002/internal/protocol"
)

// Transport is one live connection to the frame channel. Receive blocks
// until a message arrives or the transport dies; after Close it returns
// an error. Implementations must tolerate Close racing Send/Receive.
type Transport interface {
	Send(env protocol.Envelope) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a transport. The context aborts an in-flight dial when the
// client shuts down.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketDialer returns a Dialer for the channel server at rawURL
// (ws:// or wss://, path included).
func WebSocketDialer(rawURL string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, reader, err := protocol.Dial(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn, reader: reader}, nil
	}
}

// wsTransport carries JSON envelopes in text frames over the hand-rolled
// RFC 6455 layer. Protocol-level pings are answered here; envelope-level
// pings are the state machine's business.
type wsTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // serializes writes
}

func (t *wsTransport) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.WriteClientFrame(t.conn, protocol.OpText, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		opcode, payload, err := protocol.ReadFrame(t.reader)
		if err != nil {
			return nil, err
		}
		switch opcode {
		case protocol.OpClose:
			return nil, io.EOF
		case protocol.OpPing:
			t.mu.Lock()
			_ = protocol.WriteClientFrame(t.conn, protocol.OpPong, payload)
			t.mu.Unlock()
		case protocol.OpText:
			return payload, nil
		}
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
