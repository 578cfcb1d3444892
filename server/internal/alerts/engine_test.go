package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/config"
	"github.com/buildpulse/buildpulse/server/internal/hub"
)

// sink is a webhook endpoint that records request bodies.
type sink struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func newSink(t *testing.T, status int) (*sink, *httptest.Server) {
	t.Helper()
	s := &sink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(b))
		s.mu.Unlock()
		w.WriteHeader(s.status)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func failure(id int64, pipeline string) (hub.Event, build.Record) {
	dur := 125.0
	rec := build.Record{
		ID:              id,
		Provider:        "github",
		Pipeline:        pipeline,
		Repo:            "acme/api",
		Branch:          "main",
		Status:          build.StatusFailure,
		StartedAt:       time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		DurationSeconds: &dur,
		URL:             "https://ci.example/runs/1",
		Logs:            "step 3 failed",
	}
	return hub.BuildIngested(rec), rec
}

func notify(e *Engine, id int64, pipeline string) {
	ev, rec := failure(id, pipeline)
	e.Notify(context.Background(), ev, rec)
}

func webhook(t *testing.T, typ, url string) config.WebhookConfig {
	t.Helper()
	env := "BP_TEST_HOOK_" + strings.ToUpper(typ)
	t.Setenv(env, url)
	return config.WebhookConfig{Type: typ, URLEnv: env}
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
}

func waitState(t *testing.T, e *Engine, want string) Alert {
	t.Helper()
	var got Alert
	require.Eventually(t, func() bool {
		recent := e.Recent(1)
		if len(recent) == 0 {
			return false
		}
		got = recent[0]
		return got.State == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestNotify_DeliversToSlack(t *testing.T) {
	s, srv := newSink(t, http.StatusOK)
	e := New(config.AlertsConfig{Workers: 1, BufferSize: 4,
		Webhooks: []config.WebhookConfig{webhook(t, "slack", srv.URL)}})
	start(t, e)

	notify(e, 7, "deploy")

	a := waitState(t, e, StateDelivered)
	assert.Equal(t, int64(7), a.BuildID)
	assert.Equal(t, 1, a.DeliveredTo)
	assert.NotEmpty(t, a.ID)

	bodies := s.received()
	require.Len(t, bodies, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &payload))
	assert.Contains(t, payload["text"], "deploy")
	assert.Contains(t, payload["text"], "https://ci.example/runs/1")
	assert.Contains(t, payload["text"], "step 3 failed")
}

func TestNotify_TeamsAndHTTP(t *testing.T) {
	teams, teamsSrv := newSink(t, http.StatusOK)
	plain, plainSrv := newSink(t, http.StatusAccepted)
	e := New(config.AlertsConfig{Workers: 1, BufferSize: 4, Webhooks: []config.WebhookConfig{
		webhook(t, "teams", teamsSrv.URL),
		webhook(t, "http", plainSrv.URL),
	}})
	start(t, e)

	notify(e, 1, "ci")
	a := waitState(t, e, StateDelivered)
	assert.Equal(t, 2, a.DeliveredTo)

	require.Len(t, teams.received(), 1)
	assert.Contains(t, teams.received()[0], "MessageCard")

	require.Len(t, plain.received(), 1)
	var body struct {
		Alert Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal([]byte(plain.received()[0]), &body))
	assert.Equal(t, "ci", body.Alert.Pipeline)
}

func TestNotify_WebhookErrorMarksFailed(t *testing.T) {
	_, srv := newSink(t, http.StatusInternalServerError)
	e := New(config.AlertsConfig{Workers: 1, BufferSize: 4,
		Webhooks: []config.WebhookConfig{webhook(t, "slack", srv.URL)}})
	start(t, e)

	notify(e, 1, "ci")

	waitState(t, e, StateFailed)
	assert.Equal(t, uint64(1), e.Stats().Failed)
}

func TestNotify_RateLimitedPerPipeline(t *testing.T) {
	e := New(config.AlertsConfig{RatePerMinute: 1, Workers: 1, BufferSize: 8})
	fixed := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	notify(e, 1, "ci")
	notify(e, 2, "ci")
	notify(e, 3, "deploy")

	recent := e.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, StateQueued, recent[0].State) // deploy
	assert.Equal(t, StateSuppressed, recent[1].State)
	assert.Equal(t, StateQueued, recent[2].State)

	st := e.Stats()
	assert.Equal(t, uint64(3), st.Fired)
	assert.Equal(t, uint64(1), st.Suppressed)

	// Once the bucket refills the pipeline may alert again.
	e.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	notify(e, 4, "ci")
	assert.Equal(t, StateQueued, e.Recent(1)[0].State)
}

func TestNotify_DropsWhenBufferFull(t *testing.T) {
	e := New(config.AlertsConfig{Workers: 1, BufferSize: 1})

	notify(e, 1, "a")
	notify(e, 2, "b")

	recent := e.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, StateDropped, recent[0].State)
	assert.Equal(t, StateQueued, recent[1].State)
	assert.Equal(t, uint64(1), e.Stats().Dropped)
}

func TestClose_DrainsQueuedAlerts(t *testing.T) {
	s, srv := newSink(t, http.StatusOK)
	e := New(config.AlertsConfig{Workers: 2, BufferSize: 8,
		Webhooks: []config.WebhookConfig{webhook(t, "slack", srv.URL)}})

	for i := int64(1); i <= 3; i++ {
		notify(e, i, "ci")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Start(ctx)
	e.Close()

	assert.Len(t, s.received(), 3)
	assert.Equal(t, uint64(3), e.Stats().Delivered)
}

func TestSetWebhooks_SwapsTargets(t *testing.T) {
	old, oldSrv := newSink(t, http.StatusOK)
	fresh, freshSrv := newSink(t, http.StatusOK)

	e := New(config.AlertsConfig{Workers: 1, BufferSize: 4,
		Webhooks: []config.WebhookConfig{webhook(t, "slack", oldSrv.URL)}})
	start(t, e)

	e.SetWebhooks([]config.WebhookConfig{webhook(t, "http", freshSrv.URL)})
	notify(e, 1, "ci")
	waitState(t, e, StateDelivered)

	assert.Empty(t, old.received())
	assert.Len(t, fresh.received(), 1)
	assert.Len(t, e.Webhooks(), 1)
}

func TestRecent_NewestFirstAndBounded(t *testing.T) {
	e := New(config.AlertsConfig{Workers: 1, BufferSize: maxHistoryLen + 10})
	for i := int64(1); i <= maxHistoryLen+5; i++ {
		notify(e, i, "p")
	}

	all := e.Recent(0)
	assert.Len(t, all, maxHistoryLen)
	assert.Equal(t, int64(maxHistoryLen+5), all[0].BuildID)

	top := e.Recent(2)
	require.Len(t, top, 2)
	assert.Greater(t, top[0].BuildID, top[1].BuildID)
}

func TestMessage(t *testing.T) {
	_, rec := failure(1, "deploy")
	msg := message(rec)
	assert.Contains(t, msg, "Build failed: deploy on acme/api@main (github)")
	assert.Contains(t, msg, "2 minutes")

	rec.DurationSeconds = nil
	assert.Equal(t, "Build failed: deploy on acme/api@main (github)", message(rec))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", snippet("short"))

	long := strings.Repeat("x", 2000)
	got := snippet(long)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", maxLogSnippet)+"..."))
	assert.Contains(t, got, "2.0 kB")
}

func TestLimiter_Disabled(t *testing.T) {
	l := newPipelineLimiter(0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("ci", now))
	}
}

func TestLimiter_EvictsIdle(t *testing.T) {
	l := newPipelineLimiter(60)
	now := time.Now()
	l.Allow("old", now)
	l.Allow("new", now.Add(2*time.Hour))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.limiters, "old")
	assert.Contains(t, l.limiters, "new")
}
