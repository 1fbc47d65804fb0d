package websocket

import (
	"context"
	"sync"
	"time"

	"room-engine/pkg/logger"

	"github.com/google/uuid"
)

// State is a connection's lifecycle position. DISCONNECTED is terminal.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

type Options[E any] struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// Encode turns an event into a text frame for WritePump.
	Encode func(E) ([]byte, error)
	// Presence builds the online/offline event. Nil disables presence.
	Presence func(userID string, online bool) E
	Now      func() time.Time
}

type clientSet[K comparable, E any] map[uuid.UUID]*Client[K, E]

// Hub tracks live connections per user and per topic and fans events out
// to them. K is the topic key (room owner id, conversation id, ...).
// All registry state sits behind one mutex; every operation is O(subscribers).
type Hub[K comparable, E any] struct {
	mu      sync.Mutex
	clients clientSet[K, E]
	byUser  map[string]clientSet[K, E]
	byTopic map[K]clientSet[K, E]
	opts    Options[E]
}

func NewHub[K comparable, E any](opts Options[E]) *Hub[K, E] {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 40 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub[K, E]{
		clients: make(clientSet[K, E]),
		byUser:  make(map[string]clientSet[K, E]),
		byTopic: make(map[K]clientSet[K, E]),
		opts:    opts,
	}
}

// Connect registers a new connection for userID. socket may be nil when the
// caller drains Outbound itself.
func (h *Hub[K, E]) Connect(socket Socket, userID string) *Client[K, E] {
	c := &Client[K, E]{
		id:     uuid.New(),
		userID: userID,
		hub:    h,
		socket: socket,
		send:   make(chan E, h.opts.SendBuffer),
		topics: make(map[K]struct{}),
		state:  StateConnecting,
	}

	h.mu.Lock()
	now := h.opts.Now()
	c.connectedAt = now
	c.lastHeartbeat = now
	h.clients[c.id] = c
	conns, ok := h.byUser[userID]
	if !ok {
		conns = make(clientSet[K, E])
		h.byUser[userID] = conns
	}
	conns[c.id] = c
	first := len(conns) == 1
	c.state = StateConnected
	h.mu.Unlock()

	logger.Debug("Connection %s opened for user %s", c.id, userID)
	if first {
		h.BroadcastPresence(userID, true)
	}
	return c
}

// Disconnect is idempotent.
func (h *Hub[K, E]) Disconnect(c *Client[K, E]) {
	h.mu.Lock()
	if c.state == StateDisconnected {
		h.mu.Unlock()
		return
	}
	offline := h.removeLocked(c)
	h.mu.Unlock()

	logger.Debug("Connection %s closed for user %s after %s", c.id, c.userID, h.opts.Now().Sub(c.connectedAt).Round(time.Second))
	if offline {
		h.BroadcastPresence(c.userID, false)
	}
}

// removeLocked drops c from every index and closes its send channel, which
// makes WritePump close the socket. It reports whether c was the user's last
// connection.
func (h *Hub[K, E]) removeLocked(c *Client[K, E]) bool {
	delete(h.clients, c.id)
	for topic := range c.topics {
		if subs, ok := h.byTopic[topic]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.byTopic, topic)
			}
		}
	}
	c.topics = make(map[K]struct{})
	c.state = StateDisconnected
	close(c.send)

	conns := h.byUser[c.userID]
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(h.byUser, c.userID)
		return true
	}
	return false
}

// Join subscribes c to topic. It returns false if c is already gone.
func (h *Hub[K, E]) Join(c *Client[K, E], topic K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	subs, ok := h.byTopic[topic]
	if !ok {
		subs = make(clientSet[K, E])
		h.byTopic[topic] = subs
	}
	subs[c.id] = c
	c.topics[topic] = struct{}{}
	return true
}

func (h *Hub[K, E]) Leave(c *Client[K, E], topic K) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// LeaveUser drops every one of userID's connections from topic and returns
// how many were subscribed.
func (h *Hub[K, E]) LeaveUser(topic K, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byTopic[topic]
	left := 0
	for id, c := range h.byUser[userID] {
		if _, ok := subs[id]; !ok {
			continue
		}
		delete(subs, id)
		delete(c.topics, topic)
		left++
	}
	if subs != nil && len(subs) == 0 {
		delete(h.byTopic, topic)
	}
	return left
}

// SubscribedUsers lists the distinct users with a connection on topic.
func (h *Hub[K, E]) SubscribedUsers(topic K) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{})
	var users []string
	for _, c := range h.byTopic[topic] {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		users = append(users, c.userID)
	}
	return users
}

// Broadcast delivers event once to every connection subscribed to topic and
// to every connection of alsoUsers. It returns the number of deliveries.
func (h *Hub[K, E]) Broadcast(topic K, event E, alsoUsers ...string) int {
	h.mu.Lock()
	targets := make(clientSet[K, E], len(h.byTopic[topic]))
	for id, c := range h.byTopic[topic] {
		targets[id] = c
	}
	for _, u := range alsoUsers {
		for id, c := range h.byUser[u] {
			targets[id] = c
		}
	}
	delivered, offline := h.deliverLocked(targets, event)
	h.mu.Unlock()

	h.announceOffline(offline)
	return delivered
}

// SendToUser delivers event to all of userID's connections.
func (h *Hub[K, E]) SendToUser(userID string, event E) int {
	h.mu.Lock()
	targets := make(clientSet[K, E], len(h.byUser[userID]))
	for id, c := range h.byUser[userID] {
		targets[id] = c
	}
	delivered, offline := h.deliverLocked(targets, event)
	h.mu.Unlock()

	h.announceOffline(offline)
	return delivered
}

// Send delivers event to a single connection.
func (h *Hub[K, E]) Send(c *Client[K, E], event E) bool {
	h.mu.Lock()
	delivered, offline := h.deliverLocked(clientSet[K, E]{c.id: c}, event)
	h.mu.Unlock()

	h.announceOffline(offline)
	return delivered == 1
}

// BroadcastPresence tells every connected client that userID went online or offline.
func (h *Hub[K, E]) BroadcastPresence(userID string, online bool) int {
	if h.opts.Presence == nil {
		return 0
	}
	h.mu.Lock()
	delivered, offline := h.deliverLocked(h.clients, h.opts.Presence(userID, online))
	h.mu.Unlock()

	h.announceOffline(offline)
	return delivered
}

// deliverLocked never blocks. A connection whose buffer is full counts as a
// failed send and is disconnected; the rest still get the event.
func (h *Hub[K, E]) deliverLocked(targets clientSet[K, E], event E) (int, []string) {
	var (
		delivered int
		dropped   []*Client[K, E]
	)
	for _, c := range targets {
		if c.state != StateConnected {
			continue
		}
		select {
		case c.send <- event:
			delivered++
		default:
			dropped = append(dropped, c)
		}
	}

	var offline []string
	for _, c := range dropped {
		logger.Warn("Dropping connection %s for user %s: send buffer full", c.id, c.userID)
		if h.removeLocked(c) {
			offline = append(offline, c.userID)
		}
	}
	return delivered, offline
}

func (h *Hub[K, E]) announceOffline(users []string) {
	for _, u := range users {
		h.BroadcastPresence(u, false)
	}
}

func (h *Hub[K, E]) UpdateHeartbeat(c *Client[K, E]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state == StateConnected {
		c.lastHeartbeat = h.opts.Now()
	}
}

// SweepStale disconnects every connection whose last heartbeat is older than
// timeout and returns how many were removed.
func (h *Hub[K, E]) SweepStale(timeout time.Duration) int {
	h.mu.Lock()
	now := h.opts.Now()
	var offline []string
	removed := 0
	for _, c := range h.clients {
		if now.Sub(c.lastHeartbeat) > timeout {
			removed++
			if h.removeLocked(c) {
				offline = append(offline, c.userID)
			}
		}
	}
	h.mu.Unlock()

	if removed > 0 {
		logger.Info("Heartbeat sweep removed %d stale connections", removed)
	}
	h.announceOffline(offline)
	return removed
}

// StartSweeper runs SweepStale every interval until ctx is done.
func (h *Hub[K, E]) StartSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepStale(timeout)
		}
	}
}

// CloseAll disconnects every connection, used on shutdown.
func (h *Hub[K, E]) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub[K, E]) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub[K, E]) UserConnectionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}

func (h *Hub[K, E]) SubscriberCount(topic K) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byTopic[topic])
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub[K, E]) IsOnline(userID string) bool {
	return h.UserConnectionCount(userID) > 0
}
