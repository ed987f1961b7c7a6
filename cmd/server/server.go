package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jwulff/signage-sub002/internal/protocol"
	"github.com/jwulff/signage-sub002/internal/security"
	"github.com/jwulff/signage-sub002/internal/store"
)

const (
	// connectTimeout is how long the server waits for a display's
	// connect envelope after the WebSocket handshake.
	connectTimeout = 30 * time.Second

	// pingInterval is the keep-alive period for display connections.
	pingInterval = 30 * time.Second
)

// liveDisplay represents an active display connection (in-memory).
type liveDisplay struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	TerminalID  string    `json:"terminal_id"`
	IP          string    `json:"ip"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at"`

	conn    net.Conn
	mu      sync.Mutex // guards conn writes, LastSeen, relayed
	relayed int64      // frames relayed this session, flushed on disconnect
}

func (d *liveDisplay) touch() {
	d.mu.Lock()
	d.LastSeen = time.Now()
	d.mu.Unlock()
}

func (d *liveDisplay) snapshot() (lastSeen time.Time, relayed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.LastSeen, d.relayed
}

// send writes one envelope to the display, serialized against concurrent
// frame fan-out.
func (d *liveDisplay) send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.WriteServerFrame(d.conn, protocol.OpText, data)
}

// Server brokers frames from sources to connected displays and manages
// pairing state.
type Server struct {
	displays map[string]*liveDisplay
	mu       sync.RWMutex
	store    store.Store
	signer   *security.Signer
}

// NewServer creates a new Server instance.
func NewServer(db store.Store, signer *security.Signer) *Server {
	return &Server{
		displays: make(map[string]*liveDisplay),
		store:    db,
		signer:   signer,
	}
}

// Handler mounts all routes. Management endpoints sit behind API-key auth;
// pairing is reachable by anyone holding a valid pairing code.
func (s *Server) Handler() *http.ServeMux {
	auth := security.NewAuthMiddleware(s.store)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/display", s.handleDisplay)
	mux.HandleFunc("/ws/source", s.handleSource)
	mux.HandleFunc("/api/pair", s.handlePair)
	mux.HandleFunc("/api/displays", auth.Wrap(s.handleListDisplays))
	mux.HandleFunc("/api/tokens", auth.Wrap(s.handlePairingTokens))
	return mux
}

// handleDisplay manages the lifecycle of a relay-client connection.
// Displays must present a valid credential in their connect envelope.
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		http.Error(w, "WebSocket upgrade failed", http.StatusBadRequest)
		return
	}

	reader := bufio.NewReader(conn)

	// Read the connect envelope.
	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	opcode, data, err := protocol.ReadFrame(reader)
	if err != nil || opcode != protocol.OpText {
		_ = conn.Close()
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeConnect {
		_ = conn.Close()
		return
	}

	var hello protocol.ConnectPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		_ = conn.Close()
		return
	}

	if hello.Credential == "" {
		log.Printf("Display rejected: no credential provided")
		_ = conn.Close()
		return
	}

	displayID, err := s.signer.Verify(hello.Credential)
	if err != nil {
		log.Printf("Display rejected: invalid credential: %v", err)
		_ = conn.Close()
		return
	}

	// Confirm the display is paired.
	paired, err := s.store.GetDisplayByCredential(context.Background(),
		security.CredentialHash(hello.Credential))
	if err != nil || paired == nil {
		log.Printf("Display rejected: not paired (id=%s)", displayID)
		_ = conn.Close()
		return
	}

	terminalID := hello.TerminalID
	if terminalID == "" {
		terminalID = paired.TerminalID
	}
	name := paired.Name
	if hello.Name != "" {
		name = hello.Name
	}

	now := time.Now()
	display := &liveDisplay{
		ID:          paired.ID,
		Name:        name,
		Kind:        hello.Type,
		TerminalID:  terminalID,
		IP:          r.RemoteAddr,
		LastSeen:    now,
		ConnectedAt: now,
		conn:        conn,
	}

	s.mu.Lock()
	// A reconnect may race the server noticing the old connection died;
	// the newest connection wins.
	if old, ok := s.displays[display.ID]; ok {
		_ = old.conn.Close()
	}
	s.displays[display.ID] = display
	s.mu.Unlock()

	log.Printf("Display connected: %s (%s) kind=%s terminal=%s",
		display.Name, display.ID, display.Kind, display.TerminalID)

	if ack, err := protocol.NewEnvelope(protocol.TypeConnected, map[string]string{"id": display.ID}); err == nil {
		_ = display.send(ack)
	}
	_ = conn.SetReadDeadline(time.Time{})

	defer func() {
		s.mu.Lock()
		if s.displays[display.ID] == display {
			delete(s.displays, display.ID)
		}
		s.mu.Unlock()
		_ = conn.Close()
		_ = s.store.UpdateDisplaySeen(context.Background(), display.ID, time.Now())
		if _, n := display.snapshot(); n > 0 {
			_ = s.store.AddFramesRelayed(context.Background(), display.ID, n)
		}
		log.Printf("Display disconnected: %s", display.Name)
	}()

	// Keep-alive: envelope-level pings so the relay's pong path is
	// exercised end to end, not just the WS control frames.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if env, err := protocol.NewEnvelope(protocol.TypePing, nil); err == nil {
					if err := display.send(env); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}
	}()

	// Display message loop.
	for {
		opcode, data, err := protocol.ReadFrame(reader)
		if err != nil {
			return
		}

		display.touch()

		switch opcode {
		case protocol.OpClose:
			return
		case protocol.OpPing:
			_ = protocol.WriteServerFrame(conn, protocol.OpPong, data)
		case protocol.OpText:
			var m protocol.Envelope
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			switch m.Type {
			case protocol.TypePing:
				if env, err := protocol.NewEnvelope(protocol.TypePong, nil); err == nil {
					_ = display.send(env)
				}
			case protocol.TypePong:
				// Liveness confirmed; LastSeen already bumped.
			case protocol.TypeDisconnect:
				return
			}
		}
	}
}

// handleSource manages a frame-source connection. Sources authenticate
// with an API key via the "token" query parameter.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	apiKey, err := s.store.VerifyAPIKey(context.Background(), security.HashAPIKey(token))
	if err != nil || apiKey == nil {
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return
	}

	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		log.Printf("Source upgrade error: %v", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	log.Printf("Frame source connected: %s (%s)", apiKey.Name, r.RemoteAddr)
	defer log.Printf("Frame source disconnected: %s", apiKey.Name)

	reader := bufio.NewReader(conn)
	for {
		opcode, data, err := protocol.ReadFrame(reader)
		if err != nil || opcode == protocol.OpClose {
			return
		}

		switch opcode {
		case protocol.OpPing:
			_ = protocol.WriteServerFrame(conn, protocol.OpPong, data)
		case protocol.OpText:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("Source sent unparseable envelope: %v", err)
				continue
			}
			if env.Type != protocol.TypeFrame {
				continue
			}
			var payload protocol.FramePayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				log.Printf("Source sent malformed frame payload: %v", err)
				continue
			}
			s.broadcast(env, payload.TerminalID)
		}
	}
}

// broadcast fans one frame envelope out to connected displays. Fire and
// forget: latest frame wins, a display that errors is closed and will
// reconnect on its own schedule.
func (s *Server) broadcast(env protocol.Envelope, terminalID string) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	s.mu.RLock()
	targets := make([]*liveDisplay, 0, len(s.displays))
	for _, d := range s.displays {
		if terminalID == "" || d.TerminalID == terminalID {
			targets = append(targets, d)
		}
	}
	s.mu.RUnlock()

	for _, d := range targets {
		d.mu.Lock()
		err := protocol.WriteServerFrame(d.conn, protocol.OpText, data)
		if err == nil {
			d.relayed++
		}
		d.mu.Unlock()
		if err != nil {
			_ = d.conn.Close()
		}
	}
}
