// Package server coordinates live client sessions and their shutdown via the
// Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/session"
)

// Hub runs one session per WebSocket client and tracks live clients so
// they can be closed on shutdown.
type Hub struct {
	rooms    session.Rooms
	log      *slog.Logger
	observer session.Observer

	mutex   sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub serving sessions against rooms. observer may be nil.
func NewHub(rooms session.Rooms, log *slog.Logger, observer session.Observer) *Hub {
	return &Hub{
		rooms:    rooms,
		log:      log,
		observer: observer,
		clients:  make(map[*Client]struct{}),
	}
}

// ClientCount returns the number of clients currently served.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Serve runs the session protocol for client in roomID and blocks until
// the connection ends.
func (h *Hub) Serve(ctx context.Context, client *Client, roomID string) error {
	if !h.register(client) {
		client.Start()
		_ = client.Close(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	defer h.unregister(client)

	client.Start()

	opts := []session.Option{session.WithLogger(h.log)}
	if h.observer != nil {
		opts = append(opts, session.WithObserver(h.observer))
	}
	return session.New(h.rooms, roomID, client, opts...).Run(ctx)
}

func (h *Hub) register(client *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closing {
		return false
	}
	h.clients[client] = struct{}{}
	h.wg.Add(1)
	h.log.Debug("hub.client_registered", "addr", client.addr, "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	count := len(h.clients)
	h.mutex.Unlock()

	// The write pump drains queued frames before the connection closes.
	<-client.Done()
	h.wg.Done()
	h.log.Debug("hub.client_unregistered", "addr", client.addr, "clients", count)
}

// Shutdown closes every live client with a going-away close code and waits
// for their sessions to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("hub.shutdown.start")

	h.mutex.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		_ = client.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub.shutdown.complete", "closed", len(clients))
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub.shutdown.timeout", "closed", len(clients))
		return context.DeadlineExceeded
	}
}
