package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536 // 64KB
)

// Client represents one websocket connection.
type Client struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	handler CommandHandler

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, hub *Hub, handler CommandHandler, id, userID string) *Client {
	return &Client{
		ID:      id,
		UserID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     hub,
		handler: handler,
	}
}

// readPump decodes inbound frames into commands and hands them to the
// command handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Errorf("[Client] Read error: %v", err)
			}
			return
		}

		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			logging.Warnf("[Client] Rejecting frame from %s: %v", c.ID, err)
			c.sendError(err.Error())
			continue
		}
		if err := c.handler.HandleCommand(context.Background(), cmd); err != nil {
			logging.Errorf("[Client] Command %s failed: %v", cmd.CommandType(), err)
			c.sendError(err.Error())
		}
	}
}

// writePump pumps hub messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError pushes a protocol error frame without blocking the pump.
func (c *Client) sendError(msg string) {
	frame, err := json.Marshal(map[string]string{
		"type":  "error",
		"error": msg,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// serveWS registers a new client and starts its pumps.
func serveWS(hub *Hub, handler CommandHandler, conn *websocket.Conn, clientID, userID string) {
	client := NewClient(conn, hub, handler, clientID, userID)
	hub.register <- client

	go client.writePump()
	go client.readPump()
}
