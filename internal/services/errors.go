package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"room-engine/internal/database"
)

var (
	// ErrPermissionDenied is returned when the acting user may not perform the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned for an unknown owner, knock or session.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a state machine refuses a move,
	// such as responding to a knock that is no longer pending.
	ErrInvalidTransition = errors.New("invalid transition")
)

// ValidationError captures field level problems with a request.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + ": " + v.FieldErrors[f]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// orNil keeps a typed nil out of the error interface.
func (v *ValidationError) orNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}

func invalid(field, message string) error {
	v := &ValidationError{}
	v.add(field, message)
	return v
}

// Error kinds, stable labels for logs and API bodies.
const (
	KindPermissionDenied  = "permission_denied"
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindValidation        = "validation_error"
	KindInternal          = "internal"
)

// ErrorKind classifies err into one of the Kind labels.
func ErrorKind(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNotFound), errors.Is(err, database.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, database.ErrNotPending):
		return KindInvalidTransition
	}
	return KindInternal
}

// retryable reports whether a store error is worth one more attempt.
// Domain outcomes and cancellations are not.
func retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, database.ErrNotPending),
		errors.Is(err, database.ErrNoActiveSession),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func noActiveSession(ownerID string) error {
	return fmt.Errorf("%w: %s has no active session", ErrNotFound, ownerID)
}
