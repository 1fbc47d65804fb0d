package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"room-engine/internal/auth"
	"room-engine/internal/models"
	"room-engine/internal/services"
)

type RoomHandlers struct {
	svc         *services.Services
	authService *auth.Service
}

func NewRoomHandlers(svc *services.Services, authService *auth.Service) *RoomHandlers {
	return &RoomHandlers{
		svc:         svc,
		authService: authService,
	}
}

// RouteRooms dispatches everything under /rooms/{owner}.
func (h *RoomHandlers) RouteRooms(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[2] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	owner := parts[2]

	// /rooms/{owner}
	if len(parts) == 3 && r.Method == http.MethodGet {
		h.GetRoom(w, r, owner)
		return
	}

	if len(parts) == 4 {
		switch {
		case parts[3] == "settings" && r.Method == http.MethodPatch:
			h.UpdateSettings(w, r, owner)
		case parts[3] == "lock" && r.Method == http.MethodPost:
			h.LockDoors(w, r, owner)
		case parts[3] == "unlock" && r.Method == http.MethodPost:
			h.UnlockDoors(w, r, owner)
		case parts[3] == "access-list" && r.Method == http.MethodPost:
			h.AddAccessListEntry(w, r, owner)
		case parts[3] == "access" && r.Method == http.MethodGet:
			h.CheckAccess(w, r, owner)
		case parts[3] == "enter" && r.Method == http.MethodPost:
			h.EnterRoom(w, r, owner)
		case parts[3] == "exit" && r.Method == http.MethodPost:
			h.ExitRoom(w, r, owner)
		case parts[3] == "session" && r.Method == http.MethodGet:
			h.GetSession(w, r, owner)
		case parts[3] == "visit" && r.Method == http.MethodPost:
			h.Visit(w, r, owner)
		case parts[3] == "leave" && r.Method == http.MethodPost:
			h.Leave(w, r, owner)
		case parts[3] == "knock" && r.Method == http.MethodPost:
			h.Knock(w, r, owner)
		case parts[3] == "knocks" && r.Method == http.MethodGet:
			h.ListOwnerKnocks(w, r, owner)
		case parts[3] == "highlights" && r.Method == http.MethodGet:
			h.GetHighlights(w, r, owner)
		case parts[3] == "highlights" && r.Method == http.MethodPost:
			h.CreateSpecialMoment(w, r, owner)
		default:
			http.Error(w, "endpoint not found", http.StatusNotFound)
		}
		return
	}

	// /rooms/{owner}/access-list/{user}
	if len(parts) == 5 && parts[3] == "access-list" && r.Method == http.MethodDelete {
		h.RemoveAccessListEntry(w, r, owner, parts[4])
		return
	}

	// /rooms/{owner}/visitors/{user}
	if len(parts) == 5 && parts[3] == "visitors" && r.Method == http.MethodDelete {
		h.EjectVisitor(w, r, owner, parts[4])
		return
	}

	// /rooms/{owner}/highlights/count
	if len(parts) == 5 && parts[3] == "highlights" && parts[4] == "count" && r.Method == http.MethodGet {
		h.GetHighlightCount(w, r, owner)
		return
	}

	http.Error(w, "endpoint not found", http.StatusNotFound)
}

// RouteKnocks dispatches /knocks, /knocks/{id} and /knocks/{id}/respond.
func (h *RoomHandlers) RouteKnocks(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.ListMyKnocks(w, r)
	case len(parts) == 3 && r.Method == http.MethodGet:
		h.GetKnock(w, r, parts[2])
	case len(parts) == 4 && parts[3] == "respond" && r.Method == http.MethodPost:
		h.RespondToKnock(w, r, parts[2])
	default:
		http.Error(w, "endpoint not found", http.StatusNotFound)
	}
}

func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	room, err := h.svc.Rooms.GetRoom(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Get room", err)
		return
	}
	if user != owner {
		writeJSON(w, http.StatusOK, room.View())
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) CheckAccess(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	check, err := h.svc.Rooms.CheckAccess(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Check access", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *RoomHandlers) UpdateSettings(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var patch models.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	room, err := h.svc.Rooms.UpdateSettings(r.Context(), owner, user, patch)
	if err != nil {
		writeError(w, "Update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) LockDoors(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	room, err := h.svc.Rooms.LockDoors(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Lock doors", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) UnlockDoors(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	room, err := h.svc.Rooms.UnlockDoors(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Unlock doors", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) AddAccessListEntry(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req models.AccessListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	req.Decision = models.AccessDecision(strings.ToUpper(string(req.Decision)))

	room, err := h.svc.Rooms.AddToAccessList(r.Context(), owner, user, req.UserID, req.Decision)
	if err != nil {
		writeError(w, "Add access list entry", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) RemoveAccessListEntry(w http.ResponseWriter, r *http.Request, owner, target string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	room, err := h.svc.Rooms.RemoveFromAccessList(r.Context(), owner, user, target)
	if err != nil {
		writeError(w, "Remove access list entry", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandlers) EnterRoom(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.Sessions.EnterRoom(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Enter room", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *RoomHandlers) ExitRoom(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.Sessions.ExitRoom(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Exit room", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *RoomHandlers) GetSession(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Sessions.Status(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Get session", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *RoomHandlers) Visit(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.Sessions.Visit(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Visit room", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *RoomHandlers) Leave(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.Sessions.Leave(r.Context(), owner, user)
	if err != nil {
		writeError(w, "Leave room", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *RoomHandlers) EjectVisitor(w http.ResponseWriter, r *http.Request, owner, visitor string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.Sessions.EjectVisitor(r.Context(), owner, user, visitor)
	if err != nil {
		writeError(w, "Eject visitor", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *RoomHandlers) Knock(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req models.KnockRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ttl, err := h.svc.Knocks.TTLFromSeconds(req.TTLSeconds)
	if err != nil {
		writeError(w, "Knock", err)
		return
	}

	knock, created, err := h.svc.Knocks.CreateKnock(r.Context(), owner, user, ttl)
	if err != nil {
		writeError(w, "Knock", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, knock)
}

func (h *RoomHandlers) ListOwnerKnocks(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	status, err := statusFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	knocks, err := h.svc.Knocks.GetKnocksForOwner(r.Context(), owner, user, status)
	if err != nil {
		writeError(w, "List knocks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": owner,
		"knocks":   knocks,
		"count":    len(knocks),
	})
}

func (h *RoomHandlers) ListMyKnocks(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	status, err := statusFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	knocks, err := h.svc.Knocks.GetKnocksForVisitor(r.Context(), user, status)
	if err != nil {
		writeError(w, "List my knocks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visitor_id": user,
		"knocks":     knocks,
		"count":      len(knocks),
	})
}

func (h *RoomHandlers) GetKnock(w http.ResponseWriter, r *http.Request, knockID string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	knock, err := h.svc.Knocks.GetKnock(r.Context(), knockID, user)
	if err != nil {
		writeError(w, "Get knock", err)
		return
	}
	writeJSON(w, http.StatusOK, knock)
}

func (h *RoomHandlers) RespondToKnock(w http.ResponseWriter, r *http.Request, knockID string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req models.KnockResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	decision, err := models.ParseKnockDecision(req.Decision)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.svc.Knocks.RespondToKnock(r.Context(), knockID, decision, user)
	if err != nil {
		writeError(w, "Respond to knock", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RoomHandlers) GetHighlights(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter, err := models.ParseHighlightFilter(q.Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	skip, err := intParam(q.Get("skip"))
	if err != nil {
		http.Error(w, "invalid skip", http.StatusBadRequest)
		return
	}

	page, err := h.svc.Highlights.GetHighlights(r.Context(), owner, user, filter, limit, skip)
	if err != nil {
		writeError(w, "Get highlights", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *RoomHandlers) GetHighlightCount(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	filter, err := models.ParseHighlightFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count, err := h.svc.Highlights.GetHighlightCount(r.Context(), owner, user, filter)
	if err != nil {
		writeError(w, "Count highlights", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": owner,
		"filter":   filter,
		"count":    count,
	})
}

func (h *RoomHandlers) CreateSpecialMoment(w http.ResponseWriter, r *http.Request, owner string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req models.SpecialMomentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	highlight, err := h.svc.Highlights.CreateSpecialMoment(r.Context(), owner, user, req.Title, req.Description)
	if err != nil {
		writeError(w, "Create special moment", err)
		return
	}
	writeJSON(w, http.StatusCreated, highlight)
}

// requireUser writes a 401 and returns false when the request carries no valid token.
func (h *RoomHandlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return user, true
}

func statusFilter(r *http.Request) (*models.KnockStatus, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	status, err := models.ParseKnockStatus(raw)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return n, nil
}
