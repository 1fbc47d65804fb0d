package models

import "time"

type Visitor struct {
	UserID    string    `json:"user_id"`
	EnteredAt time.Time `json:"entered_at"`
}

// Session records the owner being present in their room and who is inside.
type Session struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	IsActive        bool       `json:"is_active"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CurrentVisitors []Visitor  `json:"current_visitors"`
}

func (s *Session) HasVisitor(userID string) bool {
	for _, v := range s.CurrentVisitors {
		if v.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentVisitors = make([]Visitor, len(s.CurrentVisitors))
	copy(c.CurrentVisitors, s.CurrentVisitors)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SessionStatus is the read model for GET /rooms/{owner}/session.
type SessionStatus struct {
	OwnerID      string   `json:"owner_id"`
	Active       bool     `json:"active"`
	Session      *Session `json:"session,omitempty"`
	VisitorCount int      `json:"visitor_count"`
}
