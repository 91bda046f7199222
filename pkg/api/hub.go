package api

import (
	"context"
	"encoding/json"

	"directChat/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// Hub maintains the set of active clients. A participant may have several
// clients open, one per browser tab.
type Hub struct {
	// Registered clients.
	clients map[string][]*Client

	// Inbound events for every client.
	broadcast chan OutgoingEvent

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Participants that logged out; the hub replies with their clients.
	logout chan logoutRequest

	// Closed when Run returns.
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan OutgoingEvent),
		Register:   make(chan *Client),
		unregister: make(chan *Client),
		logout:     make(chan logoutRequest),
		clients:    make(map[string][]*Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for uid := range h.clients {
				for _, client := range h.clients[uid] {
					client.closeSend()
				}
			}
			h.clients = make(map[string][]*Client)
			metrics.ActiveSessions.Set(0)
			return
		// Register Client
		case client := <-h.Register:
			h.clients[client.id] = append(h.clients[client.id], client)
			metrics.ActiveSessions.Inc()
		// Unregister Client
		case client := <-h.unregister:
			if h.remove(client) {
				client.closeSend()
				metrics.ActiveSessions.Dec()
			}
		// Hand out every client of a participant that logged out
		case request := <-h.logout:
			request.clients <- append([]*Client(nil), h.clients[request.uid]...)
		// Send event to all clients
		case event := <-h.broadcast:
			message, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("Could not process outgoing event")
				continue
			}
			for uid := range h.clients {
				for _, client := range h.clients[uid] {
					client.write(message)
				}
			}
		}
	}
}

// Join registers client. It reports false once the hub has stopped.
func (h *Hub) Join(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast pushes event to every connected client.
func (h *Hub) Broadcast(event OutgoingEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

type logoutRequest struct {
	uid     string
	clients chan []*Client
}

// Logout ends every client of uid. When it returns their sessions are
// closed and write no further presence.
func (h *Hub) Logout(uid string) {
	request := logoutRequest{uid: uid, clients: make(chan []*Client, 1)}
	select {
	case h.logout <- request:
	case <-h.done:
		return
	}
	for _, client := range <-request.clients {
		client.endSession()
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// remove drops client from the clients map and reports whether it was
// registered.
func (h *Hub) remove(client *Client) bool {
	clients := h.clients[client.id]
	for i := 0; i < len(clients); i++ {
		if client != clients[i] {
			continue
		}
		length := len(clients) - 1

		// Remove element at position i
		clients[i] = clients[length]
		clients[length] = nil
		h.clients[client.id] = clients[:length]

		// If no clients exist with id then remove key from clients map
		if len(h.clients[client.id]) == 0 {
			delete(h.clients, client.id)
		}
		return true
	}
	return false
}
