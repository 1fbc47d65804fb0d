package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"room-engine/internal/auth"
	"room-engine/internal/models"
	"room-engine/internal/services"
	ws "room-engine/internal/websocket"
	"room-engine/pkg/logger"

	"github.com/gorilla/websocket"
)

// RoomHub is the fan-out manager specialised for room events.
type RoomHub = ws.Hub[string, models.OutboundEvent]

type roomClient = ws.Client[string, models.OutboundEvent]

const messageTimeout = 5 * time.Second

type WebSocketHandlers struct {
	authService *auth.Service
	svc         *services.Services
	hub         *RoomHub
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, svc *services.Services, hub *RoomHub) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		svc:         svc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket verifies the token before upgrading; a bad token never
// gets a socket.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authService.UserFromRequest(r)
	if err != nil {
		logger.Debug("WebSocket handshake refused: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := h.hub.Connect(conn, userID)
	logger.Info("User %s connected (%s)", userID, client.ID())

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WebSocketHandlers) handleMessage(c *roomClient, data []byte) {
	ev, err := models.DecodeInbound(data)
	if err != nil {
		h.hub.Send(c, models.ErrorEvent{Code: "malformed_frame", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	switch e := ev.(type) {
	case models.JoinRequest:
		h.join(ctx, c, e.OwnerID)
	case models.LeaveRequest:
		h.hub.Leave(c, e.OwnerID)
		h.hub.Send(c, models.LeftEvent{OwnerID: e.OwnerID})
	case models.HeartbeatRequest:
		h.hub.UpdateHeartbeat(c)
		h.hub.Send(c, models.HeartbeatAckEvent{})
	}
}

// join subscribes c to ownerID's room once the resolver allows viewing it,
// and answers with the current session status.
func (h *WebSocketHandlers) join(ctx context.Context, c *roomClient, ownerID string) {
	status, err := h.svc.Sessions.Status(ctx, ownerID, c.UserID())
	if err != nil {
		kind := services.ErrorKind(err)
		if kind == services.KindInternal {
			logger.Error("Join %s for user %s failed: %v", ownerID, c.UserID(), err)
		}
		h.hub.Send(c, models.ErrorEvent{Code: kind, Message: joinError(err)})
		return
	}

	if !h.hub.Join(c, ownerID) {
		return
	}
	h.hub.Send(c, models.JoinedEvent{OwnerID: ownerID, Session: status})
}

func joinError(err error) string {
	if errors.Is(err, services.ErrPermissionDenied) {
		return "you may not view this room"
	}
	if services.ErrorKind(err) == services.KindInternal {
		return "internal server error"
	}
	return err.Error()
}
