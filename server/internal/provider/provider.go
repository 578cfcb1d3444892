package provider

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

// ErrSkipped is returned for provider events that are valid but do not
// describe a build outcome worth recording.
var ErrSkipped = errors.New("event does not describe a build outcome")

// Normalizer converts a raw provider payload into a build record.
type Normalizer interface {
	// Name is the provider identifier stored on every record it produces.
	Name() string
	// Normalize maps raw onto a record. Mapping problems are returned as
	// *build.ValidationError; ErrSkipped marks events to ignore.
	Normalize(raw []byte) (build.Record, error)
}

// Registry holds the known normalizers keyed by lower-cased provider name.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Normalizer
}

// NewRegistry returns a Registry containing ns.
func NewRegistry(ns ...Normalizer) *Registry {
	r := &Registry{m: make(map[string]Normalizer, len(ns))}
	for _, n := range ns {
		r.Register(n)
	}
	return r
}

// Default returns a Registry with the built-in GitHub and Jenkins normalizers.
func Default() *Registry {
	return NewRegistry(GitHub{}, Jenkins{})
}

// Register adds n, replacing any normalizer with the same name.
func (r *Registry) Register(n Normalizer) {
	r.mu.Lock()
	r.m[strings.ToLower(n.Name())] = n
	r.mu.Unlock()
}

// Lookup returns the normalizer for name.
func (r *Registry) Lookup(name string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.m[strings.ToLower(name)]
	return n, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// canonicalPayload is the provider-agnostic ingest shape.
type canonicalPayload struct {
	Pipeline        string     `json:"pipeline"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	URL             string     `json:"url"`
	Logs            string     `json:"logs"`
}

// Canonical decodes the canonical ingest shape and tags the result with
// provider. Timestamps are RFC 3339.
func Canonical(provider string, raw []byte) (build.Record, error) {
	var p canonicalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return build.Record{}, malformed(provider, err)
	}
	if p.StartedAt == nil {
		return build.Record{}, invalid(provider, "started_at", "is required")
	}
	return build.Record{
		Provider:        strings.ToLower(provider),
		Pipeline:        strings.TrimSpace(p.Pipeline),
		Repo:            strings.TrimSpace(p.Repo),
		Branch:          strings.TrimSpace(p.Branch),
		Status:          build.Status(strings.ToLower(p.Status)),
		StartedAt:       *p.StartedAt,
		CompletedAt:     p.CompletedAt,
		DurationSeconds: p.DurationSeconds,
		URL:             p.URL,
		Logs:            p.Logs,
	}, nil
}

func invalid(provider, field, reason string) *build.ValidationError {
	return &build.ValidationError{Provider: provider, Field: field, Reason: reason}
}

func malformed(provider string, err error) *build.ValidationError {
	return &build.ValidationError{Provider: provider, Reason: "malformed JSON: " + err.Error()}
}
