package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/hub"
	"github.com/buildpulse/buildpulse/server/internal/provider"
)

// ErrSkipped is returned when a provider event is well-formed but does not
// describe a build outcome. Nothing is stored.
var ErrSkipped = provider.ErrSkipped

// Appender persists a record and returns it with its assigned ID.
type Appender interface {
	Append(ctx context.Context, rec build.Record) (build.Record, error)
}

// Publisher delivers an event to live subscribers without blocking.
type Publisher interface {
	Publish(ev hub.Event) int
}

// Invalidator drops derived data that a new record makes stale.
type Invalidator interface {
	Invalidate()
}

// Notifier is told about every stored failure. Implementations must not
// block the caller for long and report their own errors.
type Notifier interface {
	Notify(ctx context.Context, ev hub.Event, rec build.Record)
}

// Deps wires a Coordinator. Registry, Store and Hub are required.
type Deps struct {
	Registry *provider.Registry
	Store    Appender
	Hub      Publisher
	Metrics  Invalidator // optional
	Alerts   Notifier    // optional
}

// Stats counts ingestion outcomes since start.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	deps Deps

	mu sync.Mutex // sequences append and publish

	accepted atomic.Uint64
	rejected atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
}

// New returns a Coordinator using d.
func New(d Deps) *Coordinator {
	if d.Registry == nil {
		d.Registry = provider.Default()
	}
	return &Coordinator{deps: d}
}

// Ingest normalizes a native provider payload and records it.
//
// Errors: *build.ValidationError for an unknown provider or a payload that
// does not map to a valid record, ErrSkipped for events that carry no
// outcome, and build.ErrStorageUnavailable when the append fails.
func (c *Coordinator) Ingest(ctx context.Context, providerName string, raw []byte) (build.Record, error) {
	n, err := c.lookup(providerName)
	if err != nil {
		return build.Record{}, err
	}
	rec, err := n.Normalize(raw)
	return c.commit(ctx, rec, err)
}

// IngestCanonical records a payload already in the canonical shape, tagged
// with a registered provider name.
func (c *Coordinator) IngestCanonical(ctx context.Context, providerName string, raw []byte) (build.Record, error) {
	n, err := c.lookup(providerName)
	if err != nil {
		return build.Record{}, err
	}
	rec, err := provider.Canonical(n.Name(), raw)
	return c.commit(ctx, rec, err)
}

// Stats returns the ingestion counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Accepted: c.accepted.Load(),
		Rejected: c.rejected.Load(),
		Skipped:  c.skipped.Load(),
		Failed:   c.failed.Load(),
	}
}

// Providers returns the registered provider names.
func (c *Coordinator) Providers() []string { return c.deps.Registry.Names() }

func (c *Coordinator) lookup(name string) (provider.Normalizer, error) {
	n, ok := c.deps.Registry.Lookup(name)
	if !ok {
		c.rejected.Add(1)
		return nil, build.Invalid("provider", fmt.Sprintf("unknown provider %q", name))
	}
	return n, nil
}

func (c *Coordinator) commit(ctx context.Context, rec build.Record, err error) (build.Record, error) {
	if errors.Is(err, ErrSkipped) {
		c.skipped.Add(1)
		slog.Debug("ingest: event skipped", "reason", err)
		return build.Record{}, err
	}
	if err != nil {
		c.rejected.Add(1)
		return build.Record{}, err
	}

	rec.Normalize()
	if err := rec.Validate(); err != nil {
		c.rejected.Add(1)
		return build.Record{}, err
	}

	c.mu.Lock()
	stored, err := c.deps.Store.Append(ctx, rec)
	if err != nil {
		c.mu.Unlock()
		if build.IsValidation(err) {
			c.rejected.Add(1)
		} else {
			c.failed.Add(1)
			slog.Error("ingest: append failed", "provider", rec.Provider, "pipeline", rec.Pipeline, "err", err)
		}
		return build.Record{}, err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.Invalidate()
	}
	ev := hub.BuildIngested(stored)
	delivered := c.deps.Hub.Publish(ev)
	c.mu.Unlock()

	c.accepted.Add(1)
	slog.Info("ingest: build stored",
		"id", stored.ID,
		"provider", stored.Provider,
		"pipeline", stored.Pipeline,
		"status", stored.Status,
		"subscribers", delivered,
	)

	if stored.Status == build.StatusFailure && c.deps.Alerts != nil {
		c.deps.Alerts.Notify(ctx, ev, stored)
	}
	return stored, nil
}
