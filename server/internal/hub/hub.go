package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

// DefaultQueueSize is the per-subscriber queue depth used when none is given.
const DefaultQueueSize = 64

// EventBuildIngested is the name of the event published for every stored build.
const EventBuildIngested = "build_ingested"

// ErrSubscriberOverflow is reported by Subscription.Err after the subscriber
// was dropped because its queue filled up.
var ErrSubscriberOverflow = errors.New("hub: subscriber queue overflow")

// Event is the notification delivered to subscribers. It identifies the
// record; subscribers re-query the store or metrics engine for details.
type Event struct {
	Event    string       `json:"event"`
	ID       int64        `json:"id"`
	Pipeline string       `json:"pipeline"`
	Provider string       `json:"provider"`
	Status   build.Status `json:"status"`
}

// BuildIngested returns the event announcing rec.
func BuildIngested(rec build.Record) Event {
	return Event{
		Event:    EventBuildIngested,
		ID:       rec.ID,
		Pipeline: rec.Pipeline,
		Provider: rec.Provider,
		Status:   rec.Status,
	}
}

// State is a subscription's position in its lifecycle.
type State int

const (
	Connecting State = iota
	Active
	Disconnected
	Dropped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Subscription is one live receiver of hub events.
type Subscription struct {
	ID        string
	CreatedAt time.Time

	hub    *Hub
	events chan Event

	// guarded by hub.mu
	state State
	err   error
}

// Events returns the subscriber's queue. It is closed when the subscription
// leaves the Active state.
func (s *Subscription) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.state
}

// Err returns ErrSubscriberOverflow once the subscription has been dropped,
// and nil otherwise.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

// Hub is a process-local registry of subscriptions.
//
// Subscribe, Unsubscribe, Publish and Close are safe for concurrent use.
// A queue is only ever sent to or closed while holding mu, so a send can
// never race a close.
type Hub struct {
	queueSize int

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	stats  Stats
}

// New returns a Hub whose subscribers each get a queue of queueSize events.
// A non-positive queueSize selects DefaultQueueSize.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscription. It will receive every event
// published from now on and nothing published before. Subscribing to a
// closed hub returns an already Disconnected subscription.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		hub:       h,
		events:    make(chan Event, h.queueSize),
		state:     Connecting,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.state = Disconnected
		close(s.events)
		return s
	}
	h.subs[s.ID] = s
	s.state = Active
	return s
}

// Unsubscribe removes s and closes its queue. It takes effect immediately and
// is a no-op for a subscription that is no longer active.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s, Disconnected, nil)
}

// Publish enqueues ev for every active subscriber without blocking and
// returns the number of subscribers that accepted it. Subscribers whose queue
// is full are dropped; the publisher never sees an error.
func (h *Hub) Publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	h.stats.Published++

	delivered := 0
	for _, s := range h.subs {
		select {
		case s.events <- ev:
			delivered++
		default:
			h.remove(s, Dropped, ErrSubscriberOverflow)
			h.stats.Dropped++
			slog.Warn("hub: subscriber dropped on queue overflow",
				"subscription", s.ID,
				"queue_size", h.queueSize,
			)
		}
	}
	h.stats.Delivered += uint64(delivered)
	return delivered
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns counters accumulated since the hub was created.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Subscribers = len(h.subs)
	return st
}

// Close disconnects every subscriber. Later publishes are discarded and later
// subscriptions are returned already disconnected.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		h.remove(s, Disconnected, nil)
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription, to State, err error) {
	if s.state != Active {
		return
	}
	delete(h.subs, s.ID)
	s.state = to
	s.err = err
	close(s.events)
}
