package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/hub"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxClientMessage bounds frames read from clients. Clients never need
	// to send anything but control frames.
	maxClientMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventSubscribed is the first frame sent on every connection.
const EventSubscribed = "subscribed"

// Message is the flat JSON frame sent to clients. A build_ingested frame
// carries the hub event fields at the top level; the subscribed frame carries
// only the subscription ID.
type Message struct {
	Event          string       `json:"event"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	ID             int64        `json:"id,omitempty"`
	Pipeline       string       `json:"pipeline,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	Status         build.Status `json:"status,omitempty"`
}

// Server bridges hub subscriptions to WebSocket connections.
type Server struct {
	hub *hub.Hub
}

// New creates a Server that subscribes each connection to h.
func New(h *hub.Hub) *Server {
	return &Server{hub: h}
}

// Run blocks until ctx is cancelled, then closes the hub, which ends every
// open connection with a normal close frame.
func (s *Server) Run(ctx context.Context) {
	<-ctx.Done()
	s.hub.Close()
}

// Count returns the number of live hub subscriptions.
func (s *Server) Count() int { return s.hub.Count() }

// ServeHTTP upgrades the HTTP connection to WebSocket and streams hub events
// to it. Blocks until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	slog.Debug("ws: client connected", "subscription", sub.ID, "remote", r.RemoteAddr)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := conn.WriteJSON(Message{Event: EventSubscribed, SubscriptionID: sub.ID}); err != nil {
		conn.Close()
		return
	}

	go writePump(conn, sub)
	readPump(conn) // blocks until connection closes

	slog.Debug("ws: client disconnected", "subscription", sub.ID)
}

// writePump forwards the subscription's events to conn and sends periodic
// pings. It returns when the subscription's queue is closed or a write fails.
func writePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, closeFrame(sub.Err())) //nolint:errcheck
				return
			}
			msg := Message{
				Event:    ev.Event,
				ID:       ev.ID,
				Pipeline: ev.Pipeline,
				Provider: ev.Provider,
				Status:   ev.Status,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeFrame(err error) []byte {
	if errors.Is(err, hub.ErrSubscriberOverflow) {
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber queue overflow")
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}
