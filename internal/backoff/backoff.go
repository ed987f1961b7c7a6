// Package backoff computes reconnection delays with exponential growth,
// optional jitter, and a retry ceiling. The delay calculation is a pure
// function; Controller adds the mutable attempt count the relay client
// carries across disconnects.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Options configures the delay schedule.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool

	// Rand supplies jitter randomness. Nil falls back to the shared
	// math/rand source; tests inject a seeded source for determinism.
	Rand *rand.Rand
}

// DefaultOptions returns the schedule used by relay clients:
// 1s initial, doubling, capped at 30s, up to 10 attempts, jittered.
func DefaultOptions() Options {
	return Options{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// State is the outcome of one backoff calculation.
// NextDelay is always within [0, MaxDelay], and exactly 0 when Exhausted.
type State struct {
	Attempt   int
	NextDelay time.Duration
	Exhausted bool
}

// Calculate returns the delay to wait before reconnect attempt number
// attempt (zero-based). Attempts at or past the ceiling are exhausted.
func Calculate(attempt int, opts Options) State {
	if attempt >= opts.MaxAttempts {
		return State{Attempt: attempt, Exhausted: true}
	}

	delay := float64(opts.InitialDelay) * math.Pow(opts.Multiplier, float64(attempt))
	if delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}

	if opts.Jitter {
		// Perturb by up to ±25%, then re-clamp: the jittered delay must
		// never exceed MaxDelay and never go negative.
		delay += delay * (randFloat(opts)*0.5 - 0.25)
		if delay > float64(opts.MaxDelay) {
			delay = float64(opts.MaxDelay)
		}
		if delay < 0 {
			delay = 0
		}
	}

	return State{Attempt: attempt, NextDelay: time.Duration(math.Round(delay))}
}

func randFloat(opts Options) float64 {
	if opts.Rand != nil {
		return opts.Rand.Float64()
	}
	return rand.Float64()
}

// Controller holds the attempt counter for one relay client.
// It is not safe for concurrent use; the owning client serializes access.
type Controller struct {
	opts    Options
	attempt int
}

// NewController creates a controller. A zero MaxAttempts means the caller
// passed an uninitialised Options; the defaults are used instead.
func NewController(opts Options) *Controller {
	if opts.MaxAttempts == 0 && opts.InitialDelay == 0 {
		opts = DefaultOptions()
	}
	return &Controller{opts: opts}
}

// Next computes the state for the current attempt and advances the counter.
func (c *Controller) Next() State {
	state := Calculate(c.attempt, c.opts)
	c.attempt++
	return state
}

// Reset returns the counter to zero. Call exactly once, when a connection
// is fully established — a ping round-trip does not count.
func (c *Controller) Reset() {
	c.attempt = 0
}

// IsExhausted reports whether the retry ceiling has been reached without
// consuming an attempt.
func (c *Controller) IsExhausted() bool {
	return c.attempt >= c.opts.MaxAttempts
}

// Attempt returns the current attempt counter.
func (c *Controller) Attempt() int {
	return c.attempt
}
