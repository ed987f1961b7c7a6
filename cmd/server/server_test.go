package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwulff/signage-sub002/internal/backoff"
	"github.com/jwulff/signage-sub002/internal/frame"
	"github.com/jwulff/signage-sub002/internal/protocol"
	"github.com/jwulff/signage-sub002/internal/relay"
	"github.com/jwulff/signage-sub002/internal/security"
	"github.com/jwulff/signage-sub002/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (s *captureSink) Push(_ context.Context, f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) last() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

type testEnv struct {
	store  store.Store
	signer *security.Signer
	server *Server
	http   *httptest.Server
	wsBase string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "signage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer := security.NewSigner([]byte("integration-test-signing-key"))
	srv := NewServer(db, signer)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		store:  db,
		signer: signer,
		server: srv,
		http:   ts,
		wsBase: "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

// pairDisplay runs the pairing flow through the HTTP API and returns the
// issued credential.
func (e *testEnv) pairDisplay(t *testing.T, name, terminalID string) pairResponse {
	t.Helper()

	token, code, err := security.GeneratePairingToken(name)
	require.NoError(t, err)
	require.NoError(t, e.store.CreatePairingToken(context.Background(), token))

	body, _ := json.Marshal(pairRequest{
		Code:       code,
		Name:       name,
		Kind:       "pixoo",
		TerminalID: terminalID,
	})
	resp, err := http.Post(e.http.URL+"/api/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out pairResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Credential)
	return out
}

func (e *testEnv) apiKey(t *testing.T) string {
	t.Helper()
	key, plain, err := security.GenerateAPIKey("test-source")
	require.NoError(t, err)
	require.NoError(t, e.store.CreateAPIKey(context.Background(), key))
	return plain
}

func testBackoff() backoff.Options {
	return backoff.Options{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  10,
	}
}

func TestPairingRejectsBadCode(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(pairRequest{Code: "NOPE-NOPE"})
	resp, err := http.Post(env.http.URL+"/api/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPairingCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)

	token, code, err := security.GeneratePairingToken("lobby")
	require.NoError(t, err)
	require.NoError(t, env.store.CreatePairingToken(context.Background(), token))

	body, _ := json.Marshal(pairRequest{Code: code, Name: "lobby"})
	resp, err := http.Post(env.http.URL+"/api/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same code a second time must be refused.
	resp, err = http.Post(env.http.URL+"/api/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// registeredDisplays reports how many displays the server currently has live.
func (e *testEnv) registeredDisplays() int {
	e.server.mu.RLock()
	defer e.server.mu.RUnlock()
	return len(e.server.displays)
}

func TestManagementAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/displays")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDisplayWithoutCredentialIsRejected(t *testing.T) {
	env := newTestEnv(t)

	sink := &captureSink{}
	client := relay.NewClient(relay.Config{
		Dial:     relay.WebSocketDialer(env.wsBase + "/ws/display"),
		Sink:     sink,
		Identity: protocol.ConnectPayload{Type: "pixoo"},
		Backoff:  testBackoff(),
	})
	defer client.Shutdown()
	client.Connect()

	// The handshake succeeds but the connect envelope is refused: the
	// server must never register the display.
	require.Never(t, func() bool {
		return env.registeredDisplays() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestFrameFlowsFromSourceToDisplay(t *testing.T) {
	env := newTestEnv(t)
	paired := env.pairDisplay(t, "lobby", "lobby-1")

	sink := &captureSink{}
	client := relay.NewClient(relay.Config{
		Dial: relay.WebSocketDialer(env.wsBase + "/ws/display"),
		Sink: sink,
		Identity: protocol.ConnectPayload{
			Type:       "pixoo",
			Name:       "lobby",
			TerminalID: "lobby-1",
			Credential: paired.Credential,
		},
		Backoff: testBackoff(),
	})
	defer client.Shutdown()
	client.Connect()

	require.Eventually(t, func() bool {
		return client.Status() == relay.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The display should show up as online through the management API.
	key := env.apiKey(t)
	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/displays", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	var listed []displayStatus
	require.Eventually(t, func() bool {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close() //nolint:errcheck
		listed = nil
		if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
			return false
		}
		return len(listed) == 1 && listed[0].Online
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, paired.DisplayID, listed[0].ID)

	// Connect a source and push one frame.
	ctx, cancelDial := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDial()
	conn, _, err := protocol.Dial(ctx, env.wsBase+"/ws/source?token="+key)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	f := frame.NewFilled(64, 64, frame.RGB{R: 255})
	f.SetPixel(1, 0, frame.RGB{G: 255})
	env2, err := protocol.NewFrameEnvelope(f, "lobby-1")
	require.NoError(t, err)
	data, err := json.Marshal(env2)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteClientFrame(conn, protocol.OpText, data))

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	got := sink.last()
	require.Equal(t, 64, got.Width)
	px, ok := got.GetPixel(0, 0)
	require.True(t, ok)
	require.Equal(t, frame.RGB{R: 255}, px)
	px, _ = got.GetPixel(1, 0)
	require.Equal(t, frame.RGB{G: 255}, px)
}

func TestFrameRoutingByTerminalID(t *testing.T) {
	env := newTestEnv(t)
	pairedA := env.pairDisplay(t, "lobby", "lobby-1")
	pairedB := env.pairDisplay(t, "cafe", "cafe-1")

	sinkA, sinkB := &captureSink{}, &captureSink{}
	for _, c := range []struct {
		sink       *captureSink
		terminalID string
		credential string
	}{
		{sinkA, "lobby-1", pairedA.Credential},
		{sinkB, "cafe-1", pairedB.Credential},
	} {
		client := relay.NewClient(relay.Config{
			Dial: relay.WebSocketDialer(env.wsBase + "/ws/display"),
			Sink: c.sink,
			Identity: protocol.ConnectPayload{
				Type:       "pixoo",
				TerminalID: c.terminalID,
				Credential: c.credential,
			},
			Backoff: testBackoff(),
		})
		defer client.Shutdown()
		client.Connect()
	}

	// Frames sent before registration completes would be dropped.
	require.Eventually(t, func() bool {
		return env.registeredDisplays() == 2
	}, 2*time.Second, 10*time.Millisecond)

	key := env.apiKey(t)
	ctx, cancelDial := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDial()
	conn, _, err := protocol.Dial(ctx, env.wsBase+"/ws/source?token="+key)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	send := func(terminalID string, fill frame.RGB) {
		env2, err := protocol.NewFrameEnvelope(frame.NewFilled(8, 8, fill), terminalID)
		require.NoError(t, err)
		data, err := json.Marshal(env2)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteClientFrame(conn, protocol.OpText, data))
	}

	// Targeted frame reaches only the matching terminal.
	send("lobby-1", frame.RGB{R: 255})
	require.Eventually(t, func() bool { return sinkA.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, sinkB.count())

	// Broadcast frame reaches both.
	send("", frame.RGB{B: 255})
	require.Eventually(t, func() bool {
		return sinkA.count() >= 2 && sinkB.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	px, _ := sinkB.last().GetPixel(0, 0)
	require.Equal(t, frame.RGB{B: 255}, px)
}

func TestSourceRequiresValidKey(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancelDial := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDial()
	_, _, err := protocol.Dial(ctx, env.wsBase+"/ws/source?token=sgn_bogus")
	require.Error(t, err)
}

func TestDisplayReconnectsAfterServerDrop(t *testing.T) {
	env := newTestEnv(t)
	paired := env.pairDisplay(t, "lobby", "")

	sink := &captureSink{}
	client := relay.NewClient(relay.Config{
		Dial: relay.WebSocketDialer(env.wsBase + "/ws/display"),
		Sink: sink,
		Identity: protocol.ConnectPayload{
			Type:       "pixoo",
			Credential: paired.Credential,
		},
		Backoff: testBackoff(),
	})
	defer client.Shutdown()
	client.Connect()

	require.Eventually(t, func() bool {
		return client.Status() == relay.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the live connection server-side; the relay must come back on
	// its own.
	env.server.mu.Lock()
	live := env.server.displays[paired.DisplayID]
	env.server.mu.Unlock()
	require.NotNil(t, live)
	require.NoError(t, live.conn.Close())

	require.Eventually(t, func() bool {
		env.server.mu.RLock()
		defer env.server.mu.RUnlock()
		d, ok := env.server.displays[paired.DisplayID]
		return ok && d != live
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, relay.StatusConnected, client.Status())
}
