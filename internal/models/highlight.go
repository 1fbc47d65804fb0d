package models

import (
	"fmt"
	"strings"
	"time"
)

type HighlightType string

const (
	HighlightSessionStarted    HighlightType = "session_started"
	HighlightSessionEnded      HighlightType = "session_ended"
	HighlightDoorLocked        HighlightType = "door_locked"
	HighlightDoorUnlocked      HighlightType = "door_unlocked"
	HighlightVisitorEntered    HighlightType = "visitor_entered"
	HighlightVisitorLeft       HighlightType = "visitor_left"
	HighlightKnockCreated      HighlightType = "knock_created"
	HighlightKnockApproved     HighlightType = "knock_approved"
	HighlightKnockDenied       HighlightType = "knock_denied"
	HighlightKnockExpired      HighlightType = "knock_expired"
	HighlightSpecialMoment     HighlightType = "special_moment"
	HighlightSettingsUpdated   HighlightType = "settings_updated"
	HighlightAccessListUpdated HighlightType = "access_list_updated"
)

// OwnerOnly reports whether events of this type are private to the room
// owner. Access list changes name the listed user and their decision.
func (t HighlightType) OwnerOnly() bool {
	return t == HighlightAccessListUpdated
}

var ownerOnlyTypes = []HighlightType{HighlightAccessListUpdated}

// Highlight is an append-only record of one state transition.
type Highlight struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	EventType   HighlightType  `json:"event_type"`
	VisitorID   string         `json:"visitor_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type HighlightFilter string

const (
	FilterAll        HighlightFilter = "ALL"
	FilterVisitors   HighlightFilter = "VISITORS"
	FilterKnocks     HighlightFilter = "KNOCKS"
	FilterMyActivity HighlightFilter = "MY_ACTIVITY"
)

func ParseHighlightFilter(s string) (HighlightFilter, error) {
	if strings.TrimSpace(s) == "" {
		return FilterAll, nil
	}
	f := HighlightFilter(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FilterAll, FilterVisitors, FilterKnocks, FilterMyActivity:
		return f, nil
	}
	return "", fmt.Errorf("unknown highlight filter %q", s)
}

// HighlightQuery is the store-level form of a filtered timeline read.
// An empty EventTypes means any type; an empty VisitorID means any visitor.
// ExcludeTypes always wins over EventTypes.
type HighlightQuery struct {
	OwnerID      string
	EventTypes   []HighlightType
	ExcludeTypes []HighlightType
	VisitorID    string
	Limit        int
	Skip         int
}

// Query expands a filter for viewerID into a store query. Anyone but the
// owner gets the owner-only event types excluded.
func (f HighlightFilter) Query(ownerID, viewerID string) HighlightQuery {
	q := HighlightQuery{OwnerID: ownerID}
	if viewerID != ownerID {
		q.ExcludeTypes = ownerOnlyTypes
	}
	switch f {
	case FilterVisitors:
		q.EventTypes = []HighlightType{HighlightVisitorEntered, HighlightVisitorLeft}
	case FilterKnocks:
		q.EventTypes = []HighlightType{
			HighlightKnockCreated, HighlightKnockApproved, HighlightKnockDenied, HighlightKnockExpired,
		}
	case FilterMyActivity:
		q.VisitorID = viewerID
	}
	return q
}

// Matches reports whether h satisfies the query, ignoring pagination.
func (q HighlightQuery) Matches(h *Highlight) bool {
	if h.OwnerID != q.OwnerID {
		return false
	}
	if q.VisitorID != "" && h.VisitorID != q.VisitorID {
		return false
	}
	for _, t := range q.ExcludeTypes {
		if h.EventType == t {
			return false
		}
	}
	if len(q.EventTypes) == 0 {
		return true
	}
	for _, t := range q.EventTypes {
		if h.EventType == t {
			return true
		}
	}
	return false
}

type SpecialMomentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type HighlightPage struct {
	OwnerID    string       `json:"owner_id"`
	Filter     string       `json:"filter"`
	Highlights []*Highlight `json:"highlights"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Skip       int          `json:"skip"`
}
