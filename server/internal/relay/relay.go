// Package relay republishes hub events to Redis so that processes other than
// the server (dashboards, bots, other server replicas' clients) can follow
// build activity.
//
// Every build_ingested event is PUBLISHed as JSON on the configured channel,
// and the pipeline's latest status is kept in the hash "<channel>:last_status".
// The relay is an ordinary hub subscriber: a slow or unreachable Redis only
// ever costs relay events, never ingestion.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/buildpulse/buildpulse/server/internal/config"
	"github.com/buildpulse/buildpulse/server/internal/hub"
)

const dialTimeout = 5 * time.Second

// Client is the subset of *redis.Client the relay uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Dial connects to the Redis server described by cfg and verifies it
// answers PING.
func Dial(ctx context.Context, cfg config.RelayConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password(),
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("relay: ping %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Stats counts relay outcomes.
type Stats struct {
	Published    uint64 `json:"published"`
	Failed       uint64 `json:"failed"`
	Resubscribed uint64 `json:"resubscribed"`
}

// Relay copies hub events to Redis.
type Relay struct {
	client  Client
	channel string

	published    atomic.Uint64
	failed       atomic.Uint64
	resubscribed atomic.Uint64
}

// New returns a Relay publishing on channel through client.
func New(client Client, channel string) *Relay {
	return &Relay{client: client, channel: channel}
}

// StatusKey is the hash holding the latest status per pipeline.
func (r *Relay) StatusKey() string { return r.channel + ":last_status" }

// Run subscribes to h and relays events until ctx is cancelled or the hub is
// closed. If the relay falls behind and is dropped by the hub it subscribes
// again; the events missed in between are not replayed.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) error {
	sub := h.Subscribe()
	defer func() { h.Unsubscribe(sub) }()

	slog.Info("relay: forwarding build events", "channel", r.channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if ok {
				r.forward(ctx, ev)
				continue
			}
			if !errors.Is(sub.Err(), hub.ErrSubscriberOverflow) {
				return nil // hub closed
			}
			r.resubscribed.Add(1)
			slog.Warn("relay: fell behind, resubscribing", "channel", r.channel)
			sub = h.Subscribe()
			if sub.State() != hub.Active {
				return nil
			}
		}
	}
}

// Stats returns the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published:    r.published.Load(),
		Failed:       r.failed.Load(),
		Resubscribed: r.resubscribed.Load(),
	}
}

func (r *Relay) forward(ctx context.Context, ev hub.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.failed.Add(1)
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.failed.Add(1)
		slog.Error("relay: publish failed", "channel", r.channel, "id", ev.ID, "err", err)
		return
	}
	if err := r.client.HSet(ctx, r.StatusKey(), ev.Pipeline, string(ev.Status)).Err(); err != nil {
		slog.Error("relay: status update failed", "key", r.StatusKey(), "pipeline", ev.Pipeline, "err", err)
	}
	r.published.Add(1)
}
