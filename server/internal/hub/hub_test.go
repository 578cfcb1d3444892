package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

func ev(id int64) Event {
	return Event{Event: EventBuildIngested, ID: id, Pipeline: "ci", Provider: "github", Status: build.StatusSuccess}
}

// drain reads everything currently queued without blocking.
func drain(s *Subscription) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSubscribe_Active(t *testing.T) {
	h := New(4)
	s := h.Subscribe()

	assert.Equal(t, Active, s.State())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, h.Count())
	assert.NoError(t, s.Err())
}

func TestPublish_DeliversInOrder(t *testing.T) {
	h := New(16)
	a, b := h.Subscribe(), h.Subscribe()

	for i := int64(1); i <= 10; i++ {
		assert.Equal(t, 2, h.Publish(ev(i)))
	}

	for _, s := range []*Subscription{a, b} {
		got := drain(s)
		require.Len(t, got, 10)
		for i, e := range got {
			assert.Equal(t, int64(i+1), e.ID)
		}
	}
}

func TestSubscribe_NoReplay(t *testing.T) {
	h := New(4)
	h.Publish(ev(1))

	s := h.Subscribe()
	assert.Empty(t, drain(s))

	h.Publish(ev(2))
	got := drain(s)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestPublish_OverflowDropsOnlySlowSubscriber(t *testing.T) {
	h := New(2)
	slow := h.Subscribe()
	fast := h.Subscribe()

	h.Publish(ev(1))
	h.Publish(ev(2))
	// fast keeps up, slow does not.
	require.Len(t, drain(fast), 2)

	delivered := h.Publish(ev(3))
	assert.Equal(t, 1, delivered)

	assert.Equal(t, Dropped, slow.State())
	assert.ErrorIs(t, slow.Err(), ErrSubscriberOverflow)
	assert.Equal(t, 1, h.Count())

	// The queued events are still readable, then the queue is closed.
	got := []Event{}
	for e := range slow.Events() {
		got = append(got, e)
	}
	assert.Len(t, got, 2)

	h.Publish(ev(4))
	later := drain(fast)
	require.Len(t, later, 2)
	assert.Equal(t, int64(3), later[0].ID)
	assert.Equal(t, int64(4), later[1].ID)

	st := h.Stats()
	assert.Equal(t, uint64(4), st.Published)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 1, st.Subscribers)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New(4)
	s := h.Subscribe()

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	h.Unsubscribe(nil)

	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, h.Count())

	_, ok := <-s.Events()
	assert.False(t, ok, "queue should be closed")

	assert.Equal(t, 0, h.Publish(ev(1)))
}

func TestUnsubscribe_AfterDropKeepsDroppedState(t *testing.T) {
	h := New(1)
	s := h.Subscribe()
	h.Publish(ev(1))
	h.Publish(ev(2))
	require.Equal(t, Dropped, s.State())

	h.Unsubscribe(s)
	assert.Equal(t, Dropped, s.State())
	assert.ErrorIs(t, s.Err(), ErrSubscriberOverflow)
}

func TestClose_DisconnectsEveryone(t *testing.T) {
	h := New(4)
	a, b := h.Subscribe(), h.Subscribe()

	h.Close()
	h.Close()

	assert.Equal(t, Disconnected, a.State())
	assert.Equal(t, Disconnected, b.State())
	assert.Equal(t, 0, h.Publish(ev(1)))

	late := h.Subscribe()
	assert.Equal(t, Disconnected, late.State())
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestDefaultQueueSize(t *testing.T) {
	h := New(0)
	s := h.Subscribe()
	assert.Equal(t, DefaultQueueSize, cap(s.events))
}

func TestBuildIngested(t *testing.T) {
	e := BuildIngested(build.Record{ID: 7, Pipeline: "deploy", Provider: "jenkins", Status: build.StatusFailure})
	assert.Equal(t, Event{Event: "build_ingested", ID: 7, Pipeline: "deploy", Provider: "jenkins", Status: build.StatusFailure}, e)
}

func TestHub_ConcurrentUse(t *testing.T) {
	h := New(8)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := h.Subscribe()
			for range 5 {
				select {
				case <-s.Events():
				default:
				}
			}
			h.Unsubscribe(s)
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 50; j++ {
				h.Publish(ev(base*100 + j))
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 0, h.Count())
	assert.Equal(t, uint64(200), h.Stats().Published)
}
