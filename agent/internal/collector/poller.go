package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller wraps a Collector and remembers which builds it has already
// returned, so repeated polls over overlapping windows yield each build once.
type Poller struct {
	id       string
	c        Collector
	lookback time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // build key -> started_at
}

// NewPoller returns a Poller asking c for builds started within lookback.
func NewPoller(id string, c Collector, lookback time.Duration) *Poller {
	return &Poller{id: id, c: c, lookback: lookback, seen: make(map[string]time.Time)}
}

// ID is the source identifier.
func (p *Poller) ID() string { return p.id }

// Provider is the wrapped collector's provider name.
func (p *Poller) Provider() string { return p.c.Provider() }

// Poll collects and returns the builds not returned by an earlier Poll.
// Builds gathered before a collection error are still returned alongside it.
func (p *Poller) Poll(ctx context.Context, now time.Time) ([]Build, error) {
	since := now.Add(-p.lookback)
	builds, err := p.c.Collect(ctx, since)

	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := builds[:0]
	for _, b := range builds {
		if _, ok := p.seen[b.Key]; ok {
			continue
		}
		p.seen[b.Key] = b.StartedAt
		fresh = append(fresh, b)
	}

	// Keys older than the window can no longer be returned by the provider.
	for k, started := range p.seen {
		if started.Before(since) {
			delete(p.seen, k)
		}
	}

	if err != nil {
		slog.Warn("collector: poll incomplete", "source", p.id, "collected", len(fresh), "err", err)
	}
	return fresh, err
}

// Seen reports how many build keys are remembered.
func (p *Poller) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Adopt copies the remembered keys of prev, used when a config reload
// rebuilds the poller for the same source.
func (p *Poller) Adopt(prev *Poller) {
	if prev == nil || prev == p {
		return
	}
	prev.mu.Lock()
	keys := make(map[string]time.Time, len(prev.seen))
	for k, v := range prev.seen {
		keys[k] = v
	}
	prev.mu.Unlock()

	p.mu.Lock()
	for k, v := range keys {
		p.seen[k] = v
	}
	p.mu.Unlock()
}
