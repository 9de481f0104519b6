package server

import (
	"context"

	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

// CommandHandler consumes decoded client commands. The run coordinator
// implements it.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd protocol.Command) error
}

// Hub fans events out to every connected client and tracks connection
// lifecycle. It implements coordinator.EventSink.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// onEmpty fires when the last client disconnects; the coordinator
	// uses it to hard-stop orphaned runs.
	onEmpty func()
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// SetOnEmpty installs the last-client-gone hook. Must be called before
// Run.
func (h *Hub) SetOnEmpty(fn func()) {
	h.onEmpty = fn
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			logging.Infof("[Hub] Client %s connected (%d total)", client.ID, len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				logging.Infof("[Hub] Client %s disconnected (%d total)", client.ID, len(h.clients))
				if len(h.clients) == 0 && h.onEmpty != nil {
					h.onEmpty()
				}
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than block the hub.
					delete(h.clients, client)
					client.Close()
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
			}
			return
		}
	}
}

// Publish encodes an event and broadcasts it to all clients.
func (h *Hub) Publish(ev protocol.Event) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		logging.Errorf("[Hub] Encoding %s event: %v", ev.EventType(), err)
		return
	}
	h.broadcast <- data
}
