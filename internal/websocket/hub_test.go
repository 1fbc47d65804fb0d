package websocket

import (
	"io"
	"sync"
	"testing"
	"time"

	"room-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type roomHub = Hub[string, models.OutboundEvent]

func presence(userID string, online bool) models.OutboundEvent {
	return models.PresenceEvent{UserID: userID, Online: online}
}

func newRoomHub(buffer int, withPresence bool) *roomHub {
	opts := Options[models.OutboundEvent]{SendBuffer: buffer, Encode: models.EncodeOutbound}
	if withPresence {
		opts.Presence = presence
	}
	return NewHub[string](opts)
}

// drain returns whatever is queued for c without blocking.
func drain[K comparable, E any](c *Client[K, E]) []E {
	var out []E
	for {
		select {
		case ev, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBroadcastReachesEveryDeviceOnce(t *testing.T) {
	hub := newRoomHub(8, false)
	phone := hub.Connect(nil, "u1")
	laptop := hub.Connect(nil, "u1")
	other := hub.Connect(nil, "u2")

	require.True(t, hub.Join(phone, "alice"))
	require.True(t, hub.Join(laptop, "alice"))
	require.True(t, hub.Join(laptop, "alice"), "joining twice is harmless")

	n := hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"})
	assert.Equal(t, 2, n)
	assert.Len(t, drain(phone), 1)
	assert.Len(t, drain(laptop), 1)
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, hub.UserConnectionCount("u1"))
	assert.Equal(t, 2, hub.SubscriberCount("alice"))
}

func TestBroadcastAlsoUsersIsDeduped(t *testing.T) {
	hub := newRoomHub(8, false)
	owner := hub.Connect(nil, "alice")
	visitor := hub.Connect(nil, "dave")
	hub.Join(owner, "alice")
	hub.Join(visitor, "alice")

	n := hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"}, "dave", "nobody")
	assert.Equal(t, 2, n)
	assert.Len(t, drain(visitor), 1)

	hub.Leave(visitor, "alice")
	n = hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"}, "dave")
	assert.Equal(t, 2, n, "a visitor named in the event still gets it after leaving")
	assert.Len(t, drain(visitor), 1)
	assert.Zero(t, hub.SubscriberCount("bob"))
}

func TestLeaveUserDropsEveryDevice(t *testing.T) {
	hub := newRoomHub(8, false)
	phone := hub.Connect(nil, "u1")
	laptop := hub.Connect(nil, "u1")
	other := hub.Connect(nil, "u2")
	hub.Join(phone, "alice")
	hub.Join(laptop, "alice")
	hub.Join(laptop, "carol")
	hub.Join(other, "alice")

	assert.ElementsMatch(t, []string{"u1", "u2"}, hub.SubscribedUsers("alice"))

	assert.Equal(t, 2, hub.LeaveUser("alice", "u1"))
	assert.Equal(t, []string{"u2"}, hub.SubscribedUsers("alice"))
	assert.Equal(t, []string{"carol"}, laptop.Topics(), "other rooms are untouched")
	assert.Zero(t, hub.LeaveUser("alice", "u1"))

	assert.Equal(t, 1, hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"}))
	assert.Empty(t, drain(phone))
	assert.Len(t, drain(other), 1)

	hub.LeaveUser("alice", "u2")
	assert.Zero(t, hub.SubscriberCount("alice"))
	assert.Empty(t, hub.SubscribedUsers("alice"))
}

func TestFullBufferDropsOnlyThatConnection(t *testing.T) {
	hub := newRoomHub(1, false)
	slow := hub.Connect(nil, "slow")
	fast := hub.Connect(nil, "fast")
	hub.Join(slow, "alice")
	hub.Join(fast, "alice")

	assert.Equal(t, 2, hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"}))
	drain(fast)

	assert.Equal(t, 1, hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"}))
	assert.Equal(t, StateDisconnected, slow.State())
	assert.Equal(t, StateConnected, fast.State())
	assert.Len(t, drain(fast), 1)
	assert.Len(t, drain(slow), 1, "queued events stay readable, then the channel is closed")
	assert.Equal(t, 1, hub.SubscriberCount("alice"))
	assert.False(t, hub.IsOnline("slow"))
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	hub := newRoomHub(8, true)
	watcher := hub.Connect(nil, "watcher")
	drain(watcher)

	first := hub.Connect(nil, "u1")
	second := hub.Connect(nil, "u1")
	events := drain(watcher)
	require.Len(t, events, 1)
	assert.Equal(t, models.PresenceEvent{UserID: "u1", Online: true}, events[0])

	hub.Disconnect(first)
	assert.Empty(t, drain(watcher), "u1 is still online on another device")

	hub.Disconnect(second)
	hub.Disconnect(second)
	events = drain(watcher)
	require.Len(t, events, 1)
	assert.Equal(t, models.PresenceEvent{UserID: "u1", Online: false}, events[0])
	assert.False(t, hub.Join(second, "alice"))
}

func TestSweepStaleUsesLastHeartbeat(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	hub := NewHub[string](Options[models.OutboundEvent]{Now: clock})
	alive := hub.Connect(nil, "alive")
	stale := hub.Connect(nil, "stale")
	hub.Join(stale, "alice")

	advance(30 * time.Second)
	hub.UpdateHeartbeat(alive)
	advance(30 * time.Second)

	assert.Equal(t, 1, hub.SweepStale(40*time.Second))
	assert.Equal(t, StateConnected, alive.State())
	assert.Equal(t, StateDisconnected, stale.State())
	assert.Zero(t, hub.SubscriberCount("alice"))
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestHubIsGenericOverTopicAndEvent(t *testing.T) {
	hub := NewHub[int](Options[string]{Presence: func(u string, online bool) string {
		if online {
			return u + " online"
		}
		return u + " offline"
	}})
	a := hub.Connect(nil, "a")
	b := hub.Connect(nil, "b")
	hub.Join(a, 42)
	hub.Join(b, 42)
	drain(a)
	drain(b)

	assert.Equal(t, 2, hub.Broadcast(42, "hello"))
	assert.Equal(t, []string{"hello"}, drain(a))
	assert.Equal(t, []int{42}, b.Topics())

	assert.Equal(t, 1, hub.SendToUser("b", "psst"))
	assert.Equal(t, []string{"hello", "psst"}, drain(b))
}

type fakeSocket struct {
	inbound chan []byte
	written chan []byte

	mu     sync.Mutex
	closed bool
	pong   func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 4), written: make(chan []byte, 4)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		s.written <- data
	}
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetReadLimit(int64)               {}

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pong = h
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestPumps(t *testing.T) {
	hub := newRoomHub(8, false)
	sock := newFakeSocket()
	c := hub.Connect(sock, "u1")
	hub.Join(c, "alice")

	received := make(chan []byte, 1)
	go c.WritePump()
	go c.ReadPump(func(_ *Client[string, models.OutboundEvent], data []byte) {
		received <- data
	})

	sock.inbound <- []byte(`{"type":"heartbeat"}`)
	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}

	hub.Broadcast("alice", models.LeftEvent{OwnerID: "alice"})
	select {
	case frame := <-sock.written:
		assert.Equal(t, "left", gjson.GetBytes(frame, "type").String())
		assert.Equal(t, "alice", gjson.GetBytes(frame, "payload.owner_id").String())
	case <-time.After(time.Second):
		t.Fatal("outbound frame not written")
	}

	close(sock.inbound)
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected && sock.isClosed()
	}, time.Second, 10*time.Millisecond)
}
