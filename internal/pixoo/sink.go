package pixoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwulff/signage-sub002/internal/frame"
)

const (
	// pushAttempts bounds the retry for one frame. The device firmware
	// occasionally drops a request; retrying more than once just delays
	// the next frame.
	pushAttempts = 2

	// pushTimeout caps one HTTP round-trip to the device.
	pushTimeout = 2 * time.Second
)

// Sink pushes frames to a Pixoo device over its local HTTP endpoint.
// A push failure is a downstream sink problem: it never propagates into
// the relay's connection state machine.
type Sink struct {
	url    string
	client *http.Client
	picID  int
}

// NewSink creates a sink for the device at deviceAddr (IP or host:port).
func NewSink(deviceAddr string) *Sink {
	return &Sink{
		url:    fmt.Sprintf("http://%s/post", deviceAddr),
		client: &http.Client{Timeout: pushTimeout},
	}
}

// Push builds the draw command for f and POSTs it to the device, retrying
// once on failure. PicID increments per frame so the device can tell frame
// generations apart.
func (s *Sink) Push(ctx context.Context, f *frame.Frame) error {
	s.picID++
	if s.picID <= 0 { // wrapped
		s.picID = 1
	}

	body, err := json.Marshal(BuildCommand(f, CommandOptions{PicID: s.picID}))
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < pushAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = s.post(ctx, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("push frame to %s: %w", s.url, lastErr)
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device returned %s", resp.Status)
	}
	return nil
}
