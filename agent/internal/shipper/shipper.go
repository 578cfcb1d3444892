package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/buildpulse/buildpulse/agent/internal/collector"
	"github.com/buildpulse/buildpulse/agent/internal/config"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0

	maxErrorBody = 512
)

// errPermanent marks a rejection that retrying cannot fix.
var errPermanent = errors.New("permanent")

type item struct {
	provider string
	build    collector.Build
}

// Stats counts shipper outcomes.
type Stats struct {
	Sent      uint64
	Discarded uint64
	Evicted   uint64
}

// Shipper buffers builds and posts them to buildpulse-server's canonical
// ingest endpoint. Ship() is non-blocking; when the buffer is full the oldest
// build is evicted. Run() must be called in a goroutine to drain the buffer.
type Shipper struct {
	serverURL string
	client    *http.Client
	buf       chan item

	sent      atomic.Uint64
	discarded atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	return &Shipper{
		serverURL: cfg.ServerURL,
		client:    &http.Client{Timeout: cfg.ServerTimeout},
		buf:       make(chan item, cfg.BufferSize),
	}
}

// Ship enqueues b for ingestion under provider.
// If the buffer is full the oldest entry is evicted to make room.
func (s *Shipper) Ship(provider string, b collector.Build) {
	it := item{provider: provider, build: b}
	for {
		select {
		case s.buf <- it:
			return
		default:
		}
		select {
		case old := <-s.buf:
			s.evicted.Add(1)
			slog.Warn("shipper: buffer full, evicted oldest build",
				"pipeline", old.build.Pipeline, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Pending returns the number of buffered builds.
func (s *Shipper) Pending() int { return len(s.buf) }

// Stats returns the shipper counters.
func (s *Shipper) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Discarded: s.discarded.Load(), Evicted: s.evicted.Load()}
}

// Run drains the buffer, posting builds in order. A transient failure
// (network error, 408, 429 or 5xx) retries the same build with exponential
// backoff; any other non-2xx response discards it. Run blocks until ctx is
// cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.buf:
			if !s.deliver(ctx, it, bo) {
				return
			}
		}
	}
}

// Flush posts every buffered build and returns once the buffer is empty or
// ctx is done. It must not run concurrently with Run.
func (s *Shipper) Flush(ctx context.Context) {
	bo := newBackoff()
	for {
		select {
		case it := <-s.buf:
			if !s.deliver(ctx, it, bo) {
				return
			}
		default:
			return
		}
	}
}

// deliver sends it until it is accepted or rejected. It returns false if ctx
// ended first.
func (s *Shipper) deliver(ctx context.Context, it item, bo *backoff) bool {
	for {
		err := s.send(ctx, it)
		if err == nil {
			s.sent.Add(1)
			bo.reset()
			slog.Debug("shipper: build delivered",
				"provider", it.provider, "pipeline", it.build.Pipeline, "key", it.build.Key)
			return true
		}
		if errors.Is(err, errPermanent) {
			s.discarded.Add(1)
			slog.Error("shipper: server rejected build, discarding",
				"provider", it.provider, "pipeline", it.build.Pipeline, "err", err)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		wait := bo.next()
		slog.Warn("shipper: send failed, will retry",
			"server", s.serverURL, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (s *Shipper) send(ctx context.Context, it item) error {
	body, err := json.Marshal(it.build)
	if err != nil {
		return fmt.Errorf("encode build: %w: %w", errPermanent, err)
	}

	url := fmt.Sprintf("%s/api/v1/ingest/%s", s.serverURL, it.provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "buildpulse-agent/1")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("%w: server returned %d: %s", errPermanent, resp.StatusCode, bytes.TrimSpace(msg))
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
