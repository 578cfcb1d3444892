package metrics

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/store"
)

// Reader is the part of the build store the engine needs.
type Reader interface {
	Query(ctx context.Context, w store.Window, pipeline string) ([]build.Record, error)
}

// Summary is the aggregate view over one trailing window. It is derived on
// demand and never persisted.
type Summary struct {
	Window               string                  `json:"window"`
	SuccessRate          float64                 `json:"success_rate"`
	FailureRate          float64                 `json:"failure_rate"`
	AvgBuildTime         *float64                `json:"avg_build_time"`
	LastStatusByPipeline map[string]build.Status `json:"last_status_by_pipeline"`

	TotalBuilds     int       `json:"total_builds"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	CancelledCount  int       `json:"cancelled_count"`
	InProgressCount int       `json:"in_progress_count"`
	GeneratedAt     time.Time `json:"generated_at"`
}

type cacheEntry struct {
	gen     uint64
	at      time.Time
	summary Summary
}

// Engine computes Summaries from a Reader.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	reader Reader
	ttl    time.Duration
	now    func() time.Time // injectable for deterministic tests

	mu    sync.Mutex
	gen   uint64 // bumped by Invalidate
	cache map[time.Duration]cacheEntry
}

// New returns an Engine reading from r. Summaries are cached for up to ttl;
// a ttl of zero disables caching.
func New(r Reader, ttl time.Duration) *Engine {
	return &Engine{
		reader: r,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[time.Duration]cacheEntry),
	}
}

// Invalidate discards every cached summary. Summaries being computed while
// Invalidate runs are returned to their callers but not cached.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.gen++
	clear(e.cache)
	e.mu.Unlock()
}

// Summarize returns the summary for the trailing window ending now.
// Store failures are returned wrapping build.ErrStorageUnavailable.
func (e *Engine) Summarize(ctx context.Context, window time.Duration) (Summary, error) {
	now := e.now().UTC()

	e.mu.Lock()
	gen := e.gen
	if c, ok := e.cache[window]; ok && e.ttl > 0 && now.Sub(c.at) < e.ttl {
		e.mu.Unlock()
		return clone(c.summary), nil
	}
	e.mu.Unlock()

	records, err := e.reader.Query(ctx, store.Window{Since: now.Add(-window), Until: now}, "")
	if err != nil {
		if !errors.Is(err, build.ErrStorageUnavailable) {
			err = build.StorageError("summarize", err)
		}
		return Summary{}, err
	}

	s := Compute(records, window)
	s.GeneratedAt = now

	if e.ttl > 0 {
		e.mu.Lock()
		if e.gen == gen {
			e.cache[window] = cacheEntry{gen: gen, at: now, summary: clone(s)}
		}
		e.mu.Unlock()
	}
	return s, nil
}

// Compute aggregates records that are already known to lie inside window.
func Compute(records []build.Record, window time.Duration) Summary {
	s := Summary{
		Window:               FormatWindow(window),
		LastStatusByPipeline: make(map[string]build.Status),
		TotalBuilds:          len(records),
	}

	var (
		durSum   float64
		durCount int
		lastID   = make(map[string]int64)
	)
	for _, r := range records {
		switch r.Status {
		case build.StatusSuccess:
			s.SuccessCount++
		case build.StatusFailure:
			s.FailureCount++
		case build.StatusCancelled:
			s.CancelledCount++
		case build.StatusInProgress:
			s.InProgressCount++
		}

		if r.DurationSeconds != nil {
			durSum += *r.DurationSeconds
			durCount++
		}

		if id, seen := lastID[r.Pipeline]; !seen || r.ID > id {
			lastID[r.Pipeline] = r.ID
			s.LastStatusByPipeline[r.Pipeline] = r.Status
		}
	}

	if terminal := s.SuccessCount + s.FailureCount; terminal > 0 {
		s.SuccessRate = 100 * float64(s.SuccessCount) / float64(terminal)
		s.FailureRate = 100 * float64(s.FailureCount) / float64(terminal)
	}
	if durCount > 0 {
		avg := durSum / float64(durCount)
		s.AvgBuildTime = &avg
	}
	return s
}

func clone(s Summary) Summary {
	s.LastStatusByPipeline = maps.Clone(s.LastStatusByPipeline)
	if s.AvgBuildTime != nil {
		avg := *s.AvgBuildTime
		s.AvgBuildTime = &avg
	}
	return s
}
