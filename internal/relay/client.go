// Package relay implements the persistent-connection state machine: one
// client owns one connection to the frame channel, recovers from network
// failures with backed-off reconnects, and forwards decoded frames to a
// display sink.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jwulff/signage-sub002/internal/backoff"
	"github.com/jwulff/signage-sub002/internal/frame"
	"github.com/jwulff/signage-sub002/internal/pixoo"
	"github.com/jwulff/signage-sub002/internal/protocol"
)

// Status is the externally visible connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sink receives decoded frames. Push may block (device HTTP round-trip);
// the client never calls it with more than one frame at a time and drops
// stale frames rather than queueing behind a slow sink.
type Sink interface {
	Push(ctx context.Context, f *frame.Frame) error
}

// Config assembles a Client.
type Config struct {
	Dial     Dialer
	Sink     Sink
	Identity protocol.ConnectPayload
	Backoff  backoff.Options
}

// Client is the relay state machine. All fields behind mu are mutated only
// by the transition methods; transport reader goroutines and the retry
// timer feed events back in through them.
//
// Invariants: at most one live transport, at most one pending retry timer,
// and Connect is a no-op unless the client is disconnected.
type Client struct {
	dial     Dialer
	sink     Sink
	identity protocol.ConnectPayload

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	transport  Transport
	retryTimer *time.Timer
	retry      *backoff.Controller
	closing    bool   // intentional close requested; set before teardown
	gen        uint64 // connection generation; events from stale attempts are dropped

	// frames is a one-slot mailbox to the sink goroutine: latest frame
	// wins, nothing is queued.
	frames chan *frame.Frame
}

// NewClient creates a client and starts its sink delivery goroutine.
// Call Connect to open the connection and Shutdown to tear everything down.
func NewClient(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dial:     cfg.Dial,
		sink:     cfg.Sink,
		identity: cfg.Identity,
		ctx:      ctx,
		cancel:   cancel,
		retry:    backoff.NewController(cfg.Backoff),
		frames:   make(chan *frame.Frame, 1),
	}
	go c.sinkLoop()
	return c
}

// Status reports the current connection state for UIs and log lines.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens a new transport connection. It is a no-op while a
// connection attempt is in flight or a connection is live, and after
// Shutdown.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closing || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.stopRetryTimerLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.runConnection(gen)
}

// Shutdown marks the close as intentional, cancels any pending retry
// timer, closes the live transport, and stops the sink goroutine. No
// reconnect is scheduled. Safe to call more than once.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	// The flag goes up before teardown so a close event racing with
	// shutdown is still classified as intentional.
	c.closing = true
	c.stopRetryTimerLocked()
	tr := c.transport
	c.transport = nil
	c.status = StatusDisconnected
	c.gen++ // orphan any in-flight dial
	c.mu.Unlock()

	c.cancel()
	if tr != nil {
		tr.Close() //nolint:errcheck
	}
}

// Resume requests an immediate reconnect, e.g. when the consuming surface
// becomes visible again or after backoff exhaustion. It resets the backoff
// schedule and supersedes any pending retry timer. No-op unless the client
// is disconnected, and after Shutdown.
func (c *Client) Resume() {
	c.mu.Lock()
	if c.closing || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry.Reset()
	c.stopRetryTimerLocked()
	c.mu.Unlock()

	c.Connect()
}

// runConnection is the lifetime of one transport: dial, announce, read
// until the transport dies, then hand the close back to the state machine.
func (c *Client) runConnection(gen uint64) {
	tr, err := c.dial(c.ctx)
	if err != nil {
		c.onTransportClosed(gen, err)
		return
	}

	if !c.attachTransport(gen, tr) {
		// Shutdown (or a superseding connect) raced the dial.
		tr.Close() //nolint:errcheck
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypeConnect, c.identity)
	if err == nil {
		err = tr.Send(env)
	}
	if err != nil {
		tr.Close() //nolint:errcheck
		c.onTransportClosed(gen, err)
		return
	}

	for {
		data, err := tr.Receive()
		if err != nil {
			c.onTransportClosed(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

// attachTransport moves the machine to connected. Only a fully open
// transport resets the backoff schedule.
func (c *Client) attachTransport(gen uint64, tr Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || gen != c.gen {
		return false
	}
	c.transport = tr
	c.status = StatusConnected
	c.retry.Reset()
	log.Printf("relay: connected")
	return true
}

// onTransportClosed handles both dial failures and mid-connection closes.
// Intentional shutdown schedules nothing; a network-caused close arms one
// retry timer per the backoff schedule, or goes terminal on exhaustion.
func (c *Client) onTransportClosed(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.transport = nil
	c.status = StatusDisconnected
	if c.closing {
		return
	}

	state := c.retry.Next()
	if state.Exhausted {
		log.Printf("relay: connection lost (%v); giving up after %d attempts", cause, state.Attempt)
		return
	}

	log.Printf("relay: connection lost (%v); retrying in %s", cause, state.NextDelay)
	c.retryTimer = time.AfterFunc(state.NextDelay, c.onRetryTimer)
}

func (c *Client) onRetryTimer() {
	c.mu.Lock()
	c.retryTimer = nil
	c.mu.Unlock()
	c.Connect()
}

// stopRetryTimerLocked cancels the pending reconnect, if any.
// Caller holds mu.
func (c *Client) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// handleMessage dispatches one incoming wire message. Malformed input is
// logged and dropped; it never changes connection state.
func (c *Client) handleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("relay: discarding unparseable envelope: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		c.sendPong()
	case protocol.TypeFrame:
		c.handleFrame(env.Payload)
	default:
		// connect acks, disconnect notices, unknown types: nothing to do.
	}
}

func (c *Client) sendPong() {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypePong, nil)
	if err == nil {
		err = tr.Send(env)
	}
	if err != nil {
		log.Printf("relay: pong failed: %v", err)
	}
}

func (c *Client) handleFrame(payload json.RawMessage) {
	var p protocol.FramePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("relay: discarding malformed frame payload: %v", err)
		return
	}

	f, err := pixoo.Decode(p.Frame.Data, p.Frame.Width, p.Frame.Height)
	if err != nil {
		log.Printf("relay: discarding undecodable frame: %v", err)
		return
	}

	c.deliver(f)
}

// deliver hands a frame to the sink goroutine. If the sink is still busy
// with an older frame, that frame is replaced: freshness over completeness.
func (c *Client) deliver(f *frame.Frame) {
	for {
		select {
		case c.frames <- f:
			return
		default:
		}
		select {
		case <-c.frames: // drop the stale frame
		default:
		}
	}
}

func (c *Client) sinkLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.frames:
			if err := c.sink.Push(c.ctx, f); err != nil && c.ctx.Err() == nil {
				log.Printf("relay: sink push failed: %v", err)
			}
		}
	}
}
