package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is a file lifecycle notification pushed to connected UIs.
type Event struct {
	Type    string    `json:"type"` // uploaded, archived, deleted, purged
	GroupID string    `json:"groupId"`
	Key     string    `json:"key"`
	Time    time.Time `json:"time"`
}

// eventClient is one connected websocket subscriber.
type eventClient struct {
	events chan Event
}

// eventHub fans file lifecycle events out to websocket subscribers.
type eventHub struct {
	clients map[*eventClient]bool
	mu      sync.RWMutex
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*eventClient]bool)}
}

func (h *eventHub) register(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	log.Debug().Int("clients", len(h.clients)).Msg("event client connected")
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.events)
		log.Debug().Int("clients", len(h.clients)).Msg("event client disconnected")
	}
}

// broadcast sends an event to all subscribers. Slow subscribers are
// skipped rather than blocking the request path.
func (h *eventHub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.events <- ev:
		default:
			log.Debug().Msg("event client buffer full, skipping event")
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth has already run; the API is same-deployment only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection and streams events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	client := &eventClient{events: make(chan Event, 16)}
	s.events.register(client)
	defer s.events.unregister(client)

	// Reader goroutine: drain control frames and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-client.events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// notify publishes a lifecycle event if anyone is listening.
func (s *Server) notify(eventType, groupID, key string) {
	if s.events == nil {
		return
	}
	s.events.broadcast(Event{
		Type:    eventType,
		GroupID: groupID,
		Key:     key,
		Time:    time.Now().UTC(),
	})
}
