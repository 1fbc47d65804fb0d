package models

import (
	"fmt"
	"strings"
	"time"
)

type KnockStatus string

const (
	KnockPending  KnockStatus = "PENDING"
	KnockApproved KnockStatus = "APPROVED"
	KnockDenied   KnockStatus = "DENIED"
	KnockExpired  KnockStatus = "EXPIRED"
)

func (s KnockStatus) Terminal() bool {
	return s == KnockApproved || s == KnockDenied || s == KnockExpired
}

func ParseKnockStatus(s string) (KnockStatus, error) {
	st := KnockStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case KnockPending, KnockApproved, KnockDenied, KnockExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown knock status %q", s)
}

// KnockDecision is the owner's answer to a pending knock.
type KnockDecision string

const (
	KnockApprove KnockDecision = "APPROVE"
	KnockDeny    KnockDecision = "DENY"
)

func ParseKnockDecision(s string) (KnockDecision, error) {
	switch d := KnockDecision(strings.ToUpper(strings.TrimSpace(s))); d {
	case KnockApprove, KnockDeny:
		return d, nil
	case "APPROVED":
		return KnockApprove, nil
	case "DENIED":
		return KnockDeny, nil
	}
	return "", fmt.Errorf("unknown knock decision %q", s)
}

func (d KnockDecision) Status() KnockStatus {
	if d == KnockApprove {
		return KnockApproved
	}
	return KnockDenied
}

type Knock struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	VisitorID   string      `json:"visitor_id"`
	Status      KnockStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// Stale reports whether a pending knock has outlived its expiry.
func (k *Knock) Stale(now time.Time) bool {
	return k.Status == KnockPending && !now.Before(k.ExpiresAt)
}

func (k *Knock) Clone() *Knock {
	if k == nil {
		return nil
	}
	c := *k
	if k.RespondedAt != nil {
		t := *k.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

type KnockRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type KnockResponseRequest struct {
	Decision string `json:"decision"`
}

// KnockResult is returned from respond; Admitted is true when the visitor
// was placed into the owner's active session.
type KnockResult struct {
	Knock    *Knock `json:"knock"`
	Admitted bool   `json:"admitted"`
}
