package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"room-engine/internal/auth"
	"room-engine/internal/services"
	"room-engine/pkg/logger"
)

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}

var kindStatus = map[string]int{
	services.KindPermissionDenied:  http.StatusForbidden,
	services.KindNotFound:          http.StatusNotFound,
	services.KindInvalidTransition: http.StatusConflict,
	services.KindValidation:        http.StatusBadRequest,
}

// writeError maps service errors onto HTTP statuses. Internal errors are
// logged and not echoed back.
func writeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, auth.ErrConnectionAuthFailed) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "unauthorized"})
		return
	}

	kind := services.ErrorKind(err)
	status, ok := kindStatus[kind]
	if !ok {
		logger.Error("%s error: %v", op, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: services.KindInternal, Message: "internal server error"})
		return
	}

	body := errorBody{Error: kind, Message: err.Error()}
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.FieldErrors
	}
	writeJSON(w, status, body)
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
