package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/config"
	"github.com/buildpulse/buildpulse/server/internal/hub"
)

const (
	maxHistoryLen   = 200
	maxLogSnippet   = 500 // characters of build log included in an alert
	deliveryTimeout = 10 * time.Second
	limiterMaxIdle  = time.Hour
)

// Alert states.
const (
	StateQueued     = "queued"
	StateDelivered  = "delivered"
	StateFailed     = "failed"
	StateSuppressed = "suppressed" // over the per-pipeline rate limit
	StateDropped    = "dropped"    // send buffer full
)

// Alert is one failure notification.
type Alert struct {
	ID          string    `json:"id"`
	BuildID     int64     `json:"build_id"`
	Provider    string    `json:"provider"`
	Pipeline    string    `json:"pipeline"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	URL         string    `json:"url,omitempty"`
	Message     string    `json:"message"`
	LogSnippet  string    `json:"log_snippet,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
	State       string    `json:"state"`
	DeliveredTo int       `json:"delivered_to"`

	logExcerpt string // longer log excerpt for email targets
}

// Stats counts alerts by outcome since start.
type Stats struct {
	Fired      uint64 `json:"fired"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
}

// Engine records failure alerts and delivers them to webhooks.
//
// Engine is safe for concurrent use.
type Engine struct {
	workers int
	queue   chan *Alert
	limiter *pipelineLimiter
	client  *http.Client
	now     func() time.Time // injectable for deterministic tests

	mu       sync.Mutex
	webhooks []config.WebhookConfig
	history  []*Alert // oldest first
	stats    Stats

	wg sync.WaitGroup
}

// New creates an Engine from the server alert configuration. Call Start to
// begin delivering; alerts raised before Start wait in the buffer.
func New(cfg config.AlertsConfig) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultAlertWorkers
	}
	buf := cfg.BufferSize
	if buf <= 0 {
		buf = config.DefaultAlertBuffer
	}
	return &Engine{
		workers:  workers,
		queue:    make(chan *Alert, buf),
		limiter:  newPipelineLimiter(cfg.RatePerMinute),
		client:   &http.Client{Timeout: deliveryTimeout},
		now:      time.Now,
		webhooks: cfg.Webhooks,
	}
}

// Start launches the delivery workers. When ctx is cancelled the workers
// deliver whatever is still buffered and exit; Close waits for them.
func (e *Engine) Start(ctx context.Context) {
	for range e.workers {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	slog.Info("alerts: delivery started", "workers", e.workers, "webhooks", len(e.Webhooks()))
}

// Close waits for all workers to finish draining queued alerts.
// Call after the context passed to Start is cancelled.
func (e *Engine) Close() {
	e.wg.Wait()
}

// SetWebhooks replaces the delivery targets. Alerts already being delivered
// use the targets they started with.
func (e *Engine) SetWebhooks(whs []config.WebhookConfig) {
	cp := append([]config.WebhookConfig(nil), whs...)
	e.mu.Lock()
	e.webhooks = cp
	e.mu.Unlock()
	slog.Info("alerts: webhook targets updated", "count", len(cp))
}

// Webhooks returns the current delivery targets.
func (e *Engine) Webhooks() []config.WebhookConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]config.WebhookConfig(nil), e.webhooks...)
}

// Notify records an alert for a failed build and queues it for delivery.
// It does not block.
func (e *Engine) Notify(_ context.Context, ev hub.Event, rec build.Record) {
	now := e.now().UTC()
	a := &Alert{
		ID:         uuid.NewString(),
		BuildID:    ev.ID,
		Provider:   rec.Provider,
		Pipeline:   rec.Pipeline,
		Repo:       rec.Repo,
		Branch:     rec.Branch,
		URL:        rec.URL,
		Message:    message(rec),
		LogSnippet: snippet(rec.Logs),
		FiredAt:    now,
		State:      StateQueued,
		logExcerpt: truncateRunes(rec.Logs, maxEmailLog),
	}

	allowed := e.limiter.Allow(rec.Pipeline, now)

	e.mu.Lock()
	e.stats.Fired++
	if !allowed {
		a.State = StateSuppressed
		e.stats.Suppressed++
	} else {
		select {
		case e.queue <- a:
		default:
			a.State = StateDropped
			e.stats.Dropped++
		}
	}
	e.record(a)
	state := a.State
	e.mu.Unlock()

	slog.Warn("alert fired",
		"build_id", a.BuildID,
		"pipeline", a.Pipeline,
		"repo", a.Repo,
		"state", state,
	)
}

// Recent returns copies of up to limit alerts, newest first. A non-positive
// limit returns the whole retained history.
func (e *Engine) Recent(limit int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *e.history[i])
	}
	return out
}

// Stats returns the alert counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// record appends a to the history. Must be called with e.mu held.
func (e *Engine) record(a *Alert) {
	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
}

// worker drains the queue and delivers alerts.
// On context cancellation, it drains remaining buffered items before exiting.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case a := <-e.queue:
					e.deliverOne(a)
				default:
					return
				}
			}
		case a := <-e.queue:
			e.deliverOne(a)
		}
	}
}

// deliverOne bounds a single delivery. It does not inherit the worker's
// context so that an alert picked up just before shutdown is still sent.
func (e *Engine) deliverOne(a *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	e.deliver(ctx, a)
}

// message renders the one-line alert text.
func message(rec build.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build failed: %s on %s@%s (%s)", rec.Pipeline, rec.Repo, rec.Branch, rec.Provider)
	if rec.DurationSeconds != nil && *rec.DurationSeconds >= 1 {
		d := time.Duration(*rec.DurationSeconds * float64(time.Second))
		took := strings.TrimSpace(humanize.RelTime(rec.StartedAt, rec.StartedAt.Add(d), "", ""))
		fmt.Fprintf(&b, " after %s", took)
	}
	return b.String()
}

// snippet truncates logs to maxLogSnippet characters.
func snippet(logs string) string {
	if utf8.RuneCountInString(logs) <= maxLogSnippet {
		return logs
	}
	return truncateRunes(logs, maxLogSnippet) + fmt.Sprintf("... [%s total]", humanize.Bytes(uint64(len(logs))))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
