package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans notification envelopes out to connected websocket clients. Each
// client can optionally filter to one session id.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan Envelope
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver implements Sink. Always succeeds from the bus's point of view; a
// client that cannot keep up loses frames on its own queue, not the bus's.
func (h *Hub) Deliver(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != env.SessionID {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
	return nil
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers a websocket connection and pumps envelopes to it until the
// connection drops. sessionID, when non-empty, limits frames to that session.
// Blocks until the client disconnects.
func (h *Hub) Serve(conn *websocket.Conn, sessionID string) {
	client := &hubClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan Envelope, 256),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine detects disconnects; inbound frames are ignored.
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
		case env := <-client.send:
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
