package models

import "time"

type DoorState string

const (
	DoorLocked   DoorState = "LOCKED"
	DoorUnlocked DoorState = "UNLOCKED"
)

func (d DoorState) Valid() bool {
	return d == DoorLocked || d == DoorUnlocked
}

type AccessMode string

const (
	AccessOpen           AccessMode = "OPEN"
	AccessTrustTierGated AccessMode = "TRUST_TIER_GATED"
	AccessAllowlistOnly  AccessMode = "ALLOWLIST_ONLY"
)

func (m AccessMode) Valid() bool {
	switch m {
	case AccessOpen, AccessTrustTierGated, AccessAllowlistOnly:
		return true
	}
	return false
}

type AccessDecision string

const (
	DecisionAllow AccessDecision = "ALLOW"
	DecisionDeny  AccessDecision = "DENY"
)

func (d AccessDecision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Defaults applied when a room document is created lazily.
const (
	DefaultDoorState  = DoorUnlocked
	DefaultAccessMode = AccessTrustTierGated
)

type AccessEntry struct {
	UserID   string         `json:"user_id"`
	Decision AccessDecision `json:"decision"`
	AddedAt  time.Time      `json:"added_at"`
}

// Room is the per-owner settings document. There is at most one per owner.
type Room struct {
	OwnerID    string        `json:"owner_id"`
	DoorState  DoorState     `json:"door_state"`
	AccessMode AccessMode    `json:"access_mode"`
	AccessList []AccessEntry `json:"access_list"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NewRoom returns a room with default settings.
func NewRoom(ownerID string, now time.Time) *Room {
	return &Room{
		OwnerID:    ownerID,
		DoorState:  DefaultDoorState,
		AccessMode: DefaultAccessMode,
		AccessList: []AccessEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AccessEntryFor returns the explicit entry for userID, if any.
func (r *Room) AccessEntryFor(userID string) (AccessEntry, bool) {
	for _, e := range r.AccessList {
		if e.UserID == userID {
			return e, true
		}
	}
	return AccessEntry{}, false
}

// Clone returns a deep copy so callers can't mutate stored state.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.AccessList = make([]AccessEntry, len(r.AccessList))
	copy(c.AccessList, r.AccessList)
	return &c
}

// WithAccessEntry returns the access list with userID's entry replaced.
// The new entry goes to the end; entries stay unique per user.
func WithAccessEntry(list []AccessEntry, entry AccessEntry) []AccessEntry {
	out := WithoutAccessEntry(list, entry.UserID)
	return append(out, entry)
}

func WithoutAccessEntry(list []AccessEntry, userID string) []AccessEntry {
	out := make([]AccessEntry, 0, len(list)+1)
	for _, e := range list {
		if e.UserID != userID {
			out = append(out, e)
		}
	}
	return out
}

// SettingsPatch carries optional room setting changes.
type SettingsPatch struct {
	DoorState  *DoorState  `json:"door_state,omitempty"`
	AccessMode *AccessMode `json:"access_mode,omitempty"`
}

func (p SettingsPatch) Empty() bool {
	return p.DoorState == nil && p.AccessMode == nil
}

// RoomView is what a non-owner sees; the access list stays private.
type RoomView struct {
	OwnerID    string     `json:"owner_id"`
	DoorState  DoorState  `json:"door_state"`
	AccessMode AccessMode `json:"access_mode"`
}

func (r *Room) View() RoomView {
	return RoomView{OwnerID: r.OwnerID, DoorState: r.DoorState, AccessMode: r.AccessMode}
}

type AccessListRequest struct {
	UserID   string         `json:"user_id"`
	Decision AccessDecision `json:"decision"`
}

// AccessCheck reports what the caller may do in a room.
type AccessCheck struct {
	OwnerID  string `json:"owner_id"`
	CanView  bool   `json:"can_view"`
	CanEnter bool   `json:"can_enter"`
	Reason   string `json:"reason"`
}
