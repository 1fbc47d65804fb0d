package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"room-engine/internal/auth"
	"room-engine/pkg/logger"
)

// AuthHandlers mints tokens for local development. User login lives with the
// identity provider; this endpoint is only mounted when dev tokens are enabled.
type AuthHandlers struct {
	authService *auth.Service
	ttl         time.Duration
}

func NewAuthHandlers(authService *auth.Service, ttl time.Duration) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		ttl:         ttl,
	}
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.IssueToken(req.UserID, h.ttl)
	if err != nil {
		logger.Error("Token issue error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		UserID:    req.UserID,
		ExpiresAt: time.Now().Add(h.ttl).UTC(),
	})
}
