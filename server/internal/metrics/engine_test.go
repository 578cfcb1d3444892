package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/store"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

// fakeReader serves records from memory, honouring the window.
type fakeReader struct {
	mu      sync.Mutex
	records []build.Record
	err     error
	calls   atomic.Int32
}

func (f *fakeReader) Query(_ context.Context, w store.Window, _ string) ([]build.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []build.Record
	for _, r := range f.records {
		if !r.StartedAt.Before(w.Since) && !r.StartedAt.After(w.Until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReader) add(r build.Record) {
	f.mu.Lock()
	r.ID = int64(len(f.records) + 1)
	f.records = append(f.records, r)
	f.mu.Unlock()
}

func rec(pipeline string, status build.Status, ago time.Duration, dur *float64) build.Record {
	return build.Record{
		Provider:        "github",
		Pipeline:        pipeline,
		Repo:            "acme/api",
		Branch:          "main",
		Status:          status,
		StartedAt:       now.Add(-ago),
		DurationSeconds: dur,
	}
}

func seconds(v float64) *float64 { return &v }

func newEngine(r Reader, ttl time.Duration) *Engine {
	e := New(r, ttl)
	e.now = fixedClock(now)
	return e
}

func TestSummarize_EmptyStore(t *testing.T) {
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer st.Close()

	s, err := newEngine(st, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.FailureRate)
	assert.Nil(t, s.AvgBuildTime)
	assert.Empty(t, s.LastStatusByPipeline)
	assert.NotNil(t, s.LastStatusByPipeline)
	assert.Equal(t, "1d", s.Window)
}

func TestSummarize_SuccessAndFailure(t *testing.T) {
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	_, err = st.Append(ctx, rec("ci", build.StatusSuccess, time.Hour, seconds(120)))
	require.NoError(t, err)
	_, err = st.Append(ctx, rec("ci", build.StatusFailure, 30*time.Minute, seconds(180)))
	require.NoError(t, err)

	s, err := newEngine(st, 0).Summarize(ctx, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 50.0, s.SuccessRate)
	assert.Equal(t, 50.0, s.FailureRate)
	require.NotNil(t, s.AvgBuildTime)
	assert.Equal(t, 150.0, *s.AvgBuildTime)
	assert.Equal(t, build.StatusFailure, s.LastStatusByPipeline["ci"])
}

func TestSummarize_CancelledExcludedFromRates(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("ci", build.StatusSuccess, 3*time.Hour, nil))
	r.add(rec("ci", build.StatusFailure, 2*time.Hour, nil))
	r.add(rec("ci", build.StatusCancelled, time.Hour, nil))

	s, err := newEngine(r, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 50.0, s.SuccessRate)
	assert.Equal(t, 50.0, s.FailureRate)
	assert.Equal(t, build.StatusCancelled, s.LastStatusByPipeline["ci"])
	assert.Equal(t, 1, s.CancelledCount)
	assert.Equal(t, 3, s.TotalBuilds)
}

func TestSummarize_OnlyNonTerminalGivesZeroRates(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("ci", build.StatusInProgress, time.Hour, nil))
	r.add(rec("ci", build.StatusCancelled, time.Hour, nil))

	s, err := newEngine(r, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.FailureRate)
	assert.Equal(t, 1, s.InProgressCount)
}

func TestSummarize_AverageSkipsMissingDurations(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("ci", build.StatusSuccess, time.Hour, seconds(60)))
	r.add(rec("ci", build.StatusSuccess, time.Hour, nil))
	r.add(rec("ci", build.StatusFailure, time.Hour, seconds(100)))

	s, err := newEngine(r, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	require.NotNil(t, s.AvgBuildTime)
	assert.Equal(t, 80.0, *s.AvgBuildTime)
}

func TestSummarize_WindowExcludesOldRecords(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("old", build.StatusFailure, 48*time.Hour, nil))
	r.add(rec("new", build.StatusSuccess, time.Hour, nil))

	s, err := newEngine(r, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Equal(t, map[string]build.Status{"new": build.StatusSuccess}, s.LastStatusByPipeline)
}

func TestSummarize_LastStatusUsesHighestID(t *testing.T) {
	// Same started_at: the later insert (higher ID) wins.
	r := &fakeReader{}
	r.add(rec("ci", build.StatusFailure, time.Hour, nil))
	r.add(rec("ci", build.StatusSuccess, time.Hour, nil))
	r.add(rec("deploy", build.StatusInProgress, time.Hour, nil))

	s, err := newEngine(r, 0).Summarize(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, build.StatusSuccess, s.LastStatusByPipeline["ci"])
	assert.Equal(t, build.StatusInProgress, s.LastStatusByPipeline["deploy"])
}

func TestSummarize_StorageErrorPropagates(t *testing.T) {
	r := &fakeReader{err: errors.New("connection refused")}

	_, err := newEngine(r, 0).Summarize(context.Background(), time.Hour)
	assert.ErrorIs(t, err, build.ErrStorageUnavailable)
}

func TestSummarize_CachesUntilInvalidated(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("ci", build.StatusSuccess, time.Hour, nil))
	e := newEngine(r, time.Minute)
	ctx := context.Background()

	first, err := e.Summarize(ctx, 24*time.Hour)
	require.NoError(t, err)
	_, err = e.Summarize(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.calls.Load(), "second call should hit the cache")

	r.add(rec("ci", build.StatusFailure, time.Minute, nil))
	e.Invalidate()

	second, err := e.Summarize(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.calls.Load())
	assert.Equal(t, 100.0, first.SuccessRate)
	assert.Equal(t, 50.0, second.SuccessRate)
}

func TestSummarize_CacheExpires(t *testing.T) {
	r := &fakeReader{}
	e := newEngine(r, time.Minute)
	ctx := context.Background()

	e.Summarize(ctx, time.Hour) //nolint:errcheck
	e.now = fixedClock(now.Add(2 * time.Minute))
	e.Summarize(ctx, time.Hour) //nolint:errcheck

	assert.Equal(t, int32(2), r.calls.Load())
}

func TestSummarize_CachedCopyIsIsolated(t *testing.T) {
	r := &fakeReader{}
	r.add(rec("ci", build.StatusSuccess, time.Hour, nil))
	e := newEngine(r, time.Minute)
	ctx := context.Background()

	s, _ := e.Summarize(ctx, time.Hour*24)
	s.LastStatusByPipeline["ci"] = build.StatusFailure

	again, _ := e.Summarize(ctx, time.Hour*24)
	assert.Equal(t, build.StatusSuccess, again.LastStatusByPipeline["ci"])
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"":    DefaultWindow,
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseWindow_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "xd", "-1h", "0d", "h"} {
		_, err := ParseWindow(in)
		assert.Error(t, err, in)
	}
}

func TestFormatWindow(t *testing.T) {
	assert.Equal(t, "7d", FormatWindow(7*24*time.Hour))
	assert.Equal(t, "1h", FormatWindow(time.Hour))
	assert.Equal(t, "36h", FormatWindow(36*time.Hour))
	assert.Equal(t, "1h30m0s", FormatWindow(90*time.Minute))
}
