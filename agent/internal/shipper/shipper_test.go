package shipper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/buildpulse/buildpulse/agent/internal/collector"
	"github.com/buildpulse/buildpulse/agent/internal/config"
)

// mockServer records canonical ingest requests.
type mockServer struct {
	mu       sync.Mutex
	paths    []string
	received []collector.Build
	failN    int // answer the first N requests with failCode
	failCode int
}

func (m *mockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failN > 0 {
		m.failN--
		http.Error(w, `{"error":"mock failure"}`, m.failCode)
		return
	}

	var b collector.Build
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.paths = append(m.paths, r.URL.Path)
	m.received = append(m.received, b)
	w.WriteHeader(http.StatusCreated)
}

func (m *mockServer) builds() []collector.Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.Build, len(m.received))
	copy(out, m.received)
	return out
}

func startTestServer(t *testing.T, m *mockServer) config.AgentConfig {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return config.AgentConfig{ServerURL: srv.URL, BufferSize: 10, ServerTimeout: time.Second}
}

func makeBuild(pipeline string) collector.Build {
	started := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	d := 90.0
	return collector.Build{
		Pipeline:        pipeline,
		Repo:            "acme/api",
		Branch:          "main",
		Status:          collector.StatusFailure,
		StartedAt:       started,
		CompletedAt:     started.Add(90 * time.Second),
		DurationSeconds: &d,
		Key:             "github:acme/api:1:1",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Tests ---

func TestShipper_DeliversBuild(t *testing.T) {
	srv := &mockServer{}
	s := New(startTestServer(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship("github", makeBuild("CI"))
	waitFor(t, 2*time.Second, func() bool { return len(srv.builds()) > 0 })

	got := srv.builds()
	if len(got) != 1 {
		t.Fatalf("server received %d builds, want 1", len(got))
	}
	if srv.paths[0] != "/api/v1/ingest/github" {
		t.Errorf("path = %q", srv.paths[0])
	}
	b := got[0]
	if b.Pipeline != "CI" || b.Status != collector.StatusFailure {
		t.Errorf("build = %+v", b)
	}
	if b.DurationSeconds == nil || *b.DurationSeconds != 90 {
		t.Errorf("duration_seconds = %v", b.DurationSeconds)
	}
	if b.Key != "" {
		t.Errorf("key must not be sent, got %q", b.Key)
	}
	if s.Stats().Sent != 1 {
		t.Errorf("Stats().Sent = %d", s.Stats().Sent)
	}
}

func TestShipper_PreservesOrder(t *testing.T) {
	srv := &mockServer{}
	s := New(startTestServer(t, srv))

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		s.Ship("jenkins", makeBuild(p))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(srv.builds()) >= 5 })

	got := srv.builds()
	if len(got) != 5 {
		t.Fatalf("server received %d builds, want 5", len(got))
	}
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		if got[i].Pipeline != want {
			t.Errorf("builds[%d] = %q, want %q", i, got[i].Pipeline, want)
		}
	}
}

func TestShipper_RetriesTransientFailure(t *testing.T) {
	srv := &mockServer{failN: 1, failCode: http.StatusServiceUnavailable}
	s := New(startTestServer(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship("github", makeBuild("CI"))
	waitFor(t, 4*time.Second, func() bool { return len(srv.builds()) > 0 })

	if got := len(srv.builds()); got != 1 {
		t.Fatalf("server received %d builds after retry, want 1", got)
	}
	if s.Stats().Discarded != 0 {
		t.Errorf("transient failure must not discard, Stats() = %+v", s.Stats())
	}
}

func TestShipper_DiscardsRejectedBuild(t *testing.T) {
	srv := &mockServer{failN: 1, failCode: http.StatusBadRequest}
	s := New(startTestServer(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship("github", makeBuild("bad"))
	s.Ship("github", makeBuild("good"))
	waitFor(t, 2*time.Second, func() bool { return len(srv.builds()) > 0 })

	got := srv.builds()
	if len(got) != 1 || got[0].Pipeline != "good" {
		t.Fatalf("server received %+v, want only the good build", got)
	}
	if s.Stats().Discarded != 1 {
		t.Errorf("Stats().Discarded = %d, want 1", s.Stats().Discarded)
	}
}

func TestShipper_BufferEvictsOldest(t *testing.T) {
	// BufferSize=3; Ship 5 items while the shipper is not running.
	// Only the 3 most recent should survive.
	s := New(config.AgentConfig{BufferSize: 3})

	for _, p := range []string{"0", "1", "2", "3", "4"} {
		s.Ship("github", makeBuild(p))
	}
	if s.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", s.Pending())
	}
	if s.Stats().Evicted != 2 {
		t.Errorf("Stats().Evicted = %d, want 2", s.Stats().Evicted)
	}

	for _, want := range []string{"2", "3", "4"} {
		it := <-s.buf
		if it.build.Pipeline != want {
			t.Errorf("buffered %q, want %q", it.build.Pipeline, want)
		}
	}
}

func TestShipper_BackoffResets(t *testing.T) {
	b := newBackoff()
	first := b.next()
	if first > 2*time.Second {
		t.Errorf("first backoff too large: %v", first)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	after := b.next()
	if after > 2*time.Second {
		t.Errorf("backoff after reset too large: %v", after)
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 50; i++ {
		d := b.next()
		// With jitter, max is backoffMax * 1.25
		if d > backoffMax*5/4 {
			t.Errorf("backoff[%d] = %v, exceeds 1.25×max", i, d)
		}
	}
}

func TestShipper_GracefulShutdown(t *testing.T) {
	// Server that always fails keeps Run in its retry wait.
	srv := &mockServer{failN: 1 << 30, failCode: http.StatusBadGateway}
	s := New(startTestServer(t, srv))
	s.Ship("github", makeBuild("CI"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestShipper_Flush(t *testing.T) {
	srv := &mockServer{}
	s := New(startTestServer(t, srv))
	for _, p := range []string{"a", "b", "c"} {
		s.Ship("github", makeBuild(p))
	}

	s.Flush(context.Background())

	if s.Pending() != 0 {
		t.Errorf("Pending() after Flush = %d", s.Pending())
	}
	if got := len(srv.builds()); got != 3 {
		t.Errorf("server received %d builds, want 3", got)
	}
}
