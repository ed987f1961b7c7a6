package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwulff/signage-sub002/internal/backoff"
	"github.com/jwulff/signage-sub002/internal/frame"
	"github.com/jwulff/signage-sub002/internal/protocol"
)

// fakeTransport is a scripted in-memory transport: tests feed Receive via
// incoming and observe Send via sent.
type fakeTransport struct {
	incoming  chan []byte
	sent      chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		sent:     make(chan protocol.Envelope, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(env protocol.Envelope) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.sent <- env
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) inject(tt *testing.T, msgType string, payload any) {
	tt.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(tt, err)
	data, err := json.Marshal(env)
	require.NoError(tt, err)
	t.incoming <- data
}

func (t *fakeTransport) waitSent(tt *testing.T, msgType string) protocol.Envelope {
	tt.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-t.sent:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			tt.Fatalf("timed out waiting for %s envelope", msgType)
		}
	}
}

// fakeDialer fails the first `failures` dials, then hands out fresh
// transports. Dial times are recorded for backoff assertions.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	times    []time.Time
	dialed   chan *fakeTransport
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, dialed: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) dial(context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.times = append(d.times, time.Now())
	d.mu.Unlock()

	if n <= d.failures {
		return nil, errors.New("connection refused")
	}
	tr := newFakeTransport()
	d.dialed <- tr
	return tr, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeSink struct {
	frames chan *frame.Frame
}

func newFakeSink() *fakeSink {
	return &fakeSink{frames: make(chan *frame.Frame, 16)}
}

func (s *fakeSink) Push(_ context.Context, f *frame.Frame) error {
	s.frames <- f
	return nil
}

func testOptions() backoff.Options {
	return backoff.Options{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  4,
		Jitter:       false,
	}
}

func newTestClient(t *testing.T, dial Dialer, sink Sink) *Client {
	t.Helper()
	c := NewClient(Config{
		Dial:     dial,
		Sink:     sink,
		Identity: protocol.ConnectPayload{Type: "pixoo", TerminalID: "lobby"},
		Backoff:  testOptions(),
	})
	t.Cleanup(c.Shutdown)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (c *Client) retryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryTimer != nil
}

func TestConnectAnnouncesIdentity(t *testing.T) {
	d := newFakeDialer(0)
	c := newTestClient(t, d.dial, newFakeSink())

	c.Connect()
	tr := <-d.dialed

	env := tr.waitSent(t, protocol.TypeConnect)
	var p protocol.ConnectPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "pixoo", p.Type)
	assert.Equal(t, "lobby", p.TerminalID)
	assert.NotZero(t, env.Timestamp)

	waitFor(t, func() bool { return c.Status() == StatusConnected }, "connected status")
}

func TestPingGetsOnePong(t *testing.T) {
	d := newFakeDialer(0)
	c := newTestClient(t, d.dial, newFakeSink())
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)

	tr.inject(t, protocol.TypePing, nil)

	env := tr.waitSent(t, protocol.TypePong)
	assert.NotZero(t, env.Timestamp)
	assert.Equal(t, StatusConnected, c.Status())

	// Exactly one pong: nothing further shows up.
	select {
	case env := <-tr.sent:
		t.Fatalf("unexpected extra envelope %q", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFrameDeliveredToSink(t *testing.T) {
	d := newFakeDialer(0)
	sink := newFakeSink()
	c := newTestClient(t, d.dial, sink)
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)

	tr.inject(t, protocol.TypeFrame, protocol.FramePayload{
		Frame: protocol.FrameData{Width: 2, Height: 1, Data: "/wAAAP8A"},
	})

	select {
	case f := <-sink.frames:
		c0, _ := f.GetPixel(0, 0)
		c1, _ := f.GetPixel(1, 0)
		assert.Equal(t, frame.RGB{R: 255}, c0)
		assert.Equal(t, frame.RGB{G: 255}, c1)
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the frame")
	}
}

func TestMalformedInputIsIgnored(t *testing.T) {
	d := newFakeDialer(0)
	sink := newFakeSink()
	c := newTestClient(t, d.dial, sink)
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)

	tr.incoming <- []byte(`{"type":`)                       // unparseable envelope
	tr.inject(t, protocol.TypeFrame, map[string]int{"x": 1}) // wrong frame payload
	tr.inject(t, protocol.TypeFrame, protocol.FramePayload{
		Frame: protocol.FrameData{Width: 9, Height: 9, Data: "/wAAAP8A"}, // length mismatch
	})
	tr.inject(t, "telemetry", nil) // unknown type

	// The connection survives all of it: a ping still gets its pong.
	tr.inject(t, protocol.TypePing, nil)
	tr.waitSent(t, protocol.TypePong)
	assert.Equal(t, StatusConnected, c.Status())
	assert.Empty(t, sink.frames)
	assert.Equal(t, 1, d.count())
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	d := newFakeDialer(0)
	c := newTestClient(t, d.dial, newFakeSink())
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)
	waitFor(t, func() bool { return c.Status() == StatusConnected }, "connected status")

	c.Connect()
	c.Connect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "no second transport may be opened")
}

func TestReconnectHonorsBackoffDelay(t *testing.T) {
	d := newFakeDialer(1)
	c := newTestClient(t, d.dial, newFakeSink())

	c.Connect()

	// First dial fails; exactly one retry timer is armed and fires after
	// the initial 20ms delay.
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)
	require.Equal(t, 2, d.count())

	d.mu.Lock()
	gap := d.times[1].Sub(d.times[0])
	d.mu.Unlock()
	assert.GreaterOrEqual(t, gap, 15*time.Millisecond, "retry fired before the backoff delay")
}

func TestTransportCloseTriggersSingleReconnect(t *testing.T) {
	d := newFakeDialer(0)
	c := newTestClient(t, d.dial, newFakeSink())
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)

	tr.Close() //nolint:errcheck

	tr2 := <-d.dialed
	tr2.waitSent(t, protocol.TypeConnect)
	waitFor(t, func() bool { return c.Status() == StatusConnected }, "reconnected status")
	assert.Equal(t, 2, d.count())
	assert.False(t, c.retryPending())
}

func TestShutdownSchedulesNoReconnect(t *testing.T) {
	d := newFakeDialer(0)
	c := newTestClient(t, d.dial, newFakeSink())
	c.Connect()
	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)

	c.Shutdown()
	c.Shutdown() // idempotent

	// The transport close that follows shutdown must not arm a timer.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.False(t, c.retryPending())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestShutdownAbortsInFlightDial(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := newTestClient(t, dial, newFakeSink())

	c.Connect()
	time.Sleep(20 * time.Millisecond)
	c.Shutdown()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.retryPending())
}

func TestExhaustionIsTerminalUntilResume(t *testing.T) {
	d := newFakeDialer(1000)
	opts := testOptions()
	opts.MaxAttempts = 2
	c := NewClient(Config{
		Dial:    d.dial,
		Sink:    newFakeSink(),
		Backoff: opts,
	})
	t.Cleanup(c.Shutdown)

	c.Connect()

	// Initial dial plus two backed-off retries, then the schedule is
	// exhausted and no further timer is armed.
	waitFor(t, func() bool { return d.count() == 3 }, "three dial attempts")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, d.count())
	assert.False(t, c.retryPending())
	assert.Equal(t, StatusDisconnected, c.Status())

	// Resume resets the schedule and reconnects immediately.
	d.mu.Lock()
	d.failures = 3
	d.mu.Unlock()
	c.Resume()

	tr := <-d.dialed
	tr.waitSent(t, protocol.TypeConnect)
	waitFor(t, func() bool { return c.Status() == StatusConnected }, "connected after resume")
}

// blockingSink lets a test hold the sink busy and observe which frames
// actually get through.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     []*frame.Frame
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *blockingSink) Push(_ context.Context, f *frame.Frame) error {
	s.mu.Lock()
	s.got = append(s.got, f)
	s.mu.Unlock()
	s.started <- struct{}{}
	<-s.release
	return nil
}

func TestLatestFrameWinsBehindSlowSink(t *testing.T) {
	// The source may outrun the device sink; the policy under test is
	// most-recent-frame-wins with no queueing.
	sink := newBlockingSink()
	c := newTestClient(t, newFakeDialer(0).dial, sink)

	f1 := frame.NewFilled(1, 1, frame.RGB{R: 1})
	f2 := frame.NewFilled(1, 1, frame.RGB{R: 2})
	f3 := frame.NewFilled(1, 1, frame.RGB{R: 3})

	c.deliver(f1)
	<-sink.started // sink is now busy with f1

	c.deliver(f2)
	c.deliver(f3) // replaces f2 in the mailbox

	sink.release <- struct{}{}
	<-sink.started // sink picked up the next frame
	sink.release <- struct{}{}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 2)
	assert.Same(t, f1, sink.got[0])
	assert.Same(t, f3, sink.got[1], "the stale frame must be dropped, not queued")
}
