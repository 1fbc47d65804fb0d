package websocket

import (
	"time"

	"room-engine/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket is the part of *websocket.Conn the pumps use.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

const maxMessageSize = 4096

// Client is one live connection. The fields below hub are guarded by hub.mu.
type Client[K comparable, E any] struct {
	id     uuid.UUID
	userID string
	hub    *Hub[K, E]
	socket Socket
	send   chan E

	topics        map[K]struct{}
	state         State
	connectedAt   time.Time
	lastHeartbeat time.Time
}

func (c *Client[K, E]) ID() uuid.UUID {
	return c.id
}

func (c *Client[K, E]) UserID() string {
	return c.userID
}

// Outbound is the connection's queue of pending events. It is closed when the
// connection is removed from the hub.
func (c *Client[K, E]) Outbound() <-chan E {
	return c.send
}

func (c *Client[K, E]) State() State {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.state
}

// Topics lists what the connection is currently subscribed to.
func (c *Client[K, E]) Topics() []K {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	topics := make([]K, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}

// ReadPump hands every inbound frame to onMessage until the socket fails,
// then disconnects the client. Pongs count as heartbeats.
func (c *Client[K, E]) ReadPump(onMessage func(c *Client[K, E], data []byte)) {
	defer func() {
		c.hub.Disconnect(c)
		c.socket.Close()
	}()

	pongWait := c.hub.opts.PongWait
	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.hub.UpdateHeartbeat(c)
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error for user %s: %v", c.userID, err)
			}
			break
		}
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(c, message)
	}
}

// WritePump encodes queued events onto the socket and pings on an interval.
// It is the only writer for the socket.
func (c *Client[K, E]) WritePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	writeWait := c.hub.opts.WriteWait
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.hub.opts.Encode(event)
			if err != nil {
				logger.Error("Error encoding event for user %s: %v", c.userID, err)
				continue
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Write error for user %s: %v", c.userID, err)
				c.hub.Disconnect(c)
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Disconnect(c)
				return
			}
		}
	}
}
