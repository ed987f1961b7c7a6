package protocol

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// WebSocket opcodes per RFC 6455.
const (
	OpContinue = 0
	OpText     = 1
	OpBinary   = 2
	OpClose    = 8
	OpPing     = 9
	OpPong     = 10
)

// WebSocket GUID per RFC 6455 section 4.2.2.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a given key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadFrame reads a single WebSocket frame from r, handling extended
// payload lengths and optional masking.
func ReadFrame(r *bufio.Reader) (opcode byte, payload []byte, err error) {
	header := make([]byte, 2)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	opcode = header[0] & 0x0F
	masked := (header[1] & 0x80) != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext)
	}

	var maskKey []byte
	if masked {
		maskKey = make([]byte, 4)
		if _, err = io.ReadFull(r, maskKey); err != nil {
			return 0, nil, err
		}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return opcode, payload, nil
}

// WriteServerFrame writes an unmasked WebSocket frame (server → client).
func WriteServerFrame(conn net.Conn, opcode byte, payload []byte) error {
	return writeFrame(conn, opcode, payload, false)
}

// WriteClientFrame writes a masked WebSocket frame (client → server).
func WriteClientFrame(conn net.Conn, opcode byte, payload []byte) error {
	return writeFrame(conn, opcode, payload, true)
}

// writeFrame assembles header, optional mask, and payload into a single
// buffer so each frame goes out in one conn.Write.
func writeFrame(conn net.Conn, opcode byte, payload []byte, mask bool) error {
	length := len(payload)

	var maskBit byte
	if mask {
		maskBit = 0x80
	}

	frame := make([]byte, 0, 2+8+4+length)
	frame = append(frame, 0x80|opcode)

	switch {
	case length < 126:
		frame = append(frame, byte(length)|maskBit)
	case length < 65536:
		frame = append(frame, 126|maskBit, byte(length>>8), byte(length))
	default:
		frame = append(frame, 127|maskBit)
		for i := 7; i >= 0; i-- {
			frame = append(frame, byte(length>>(i*8)))
		}
	}

	if !mask {
		frame = append(frame, payload...)
		_, err := conn.Write(frame)
		return err
	}

	maskKey := [4]byte{}
	rand.Read(maskKey[:]) //nolint:errcheck
	frame = append(frame, maskKey[:]...)

	// Mask inline into the same allocation.
	off := len(frame)
	frame = frame[:off+length]
	for i, b := range payload {
		frame[off+i] = b ^ maskKey[i&3]
	}

	_, err := conn.Write(frame)
	return err
}

// Upgrade performs the HTTP → WebSocket handshake per RFC 6455 and hands
// back the hijacked connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	if r.Header.Get("Upgrade") != "websocket" {
		return nil, fmt.Errorf("not a websocket request")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("missing Sec-WebSocket-Key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("hijacking not supported")
	}

	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"

	if _, err := conn.Write([]byte(response)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// Dial opens a client WebSocket connection to rawURL (ws:// or wss://)
// and performs the opening handshake.
func Dial(ctx context.Context, rawURL string) (net.Conn, *bufio.Reader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}

	host := u.Host
	var conn net.Conn
	switch u.Scheme {
	case "ws":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", host)
	case "wss":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "443")
		}
		conn, err = (&tls.Dialer{}).DialContext(ctx, "tcp", host)
	default:
		return nil, nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, nil, err
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	keyBytes := make([]byte, 16)
	rand.Read(keyBytes) //nolint:errcheck
	key := base64.StdEncoding.EncodeToString(keyBytes)

	request := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n",
		path, u.Host, key)

	if _, err := conn.Write([]byte(request)); err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, err
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, err
	}

	if len(statusLine) < 12 || statusLine[9:12] != "101" {
		conn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("websocket handshake failed: %s", statusLine)
	}

	// Skip response headers.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close() //nolint:errcheck
			return nil, nil, err
		}
		if line == "\r\n" {
			break
		}
	}

	return conn, reader, nil
}
