// Package access decides whether a viewer may see or enter an owner's room.
//
// Rules are evaluated in a fixed order and the first match wins:
// self, blocked, explicit access-list entry, then the room's access mode.
package access

import (
	"context"
	"fmt"

	"room-engine/internal/models"
)

type Reason string

const (
	ReasonOwner       Reason = "owner"
	ReasonBlocked     Reason = "blocked"
	ReasonListAllow   Reason = "access_list_allow"
	ReasonListDeny    Reason = "access_list_deny"
	ReasonOpen        Reason = "open"
	ReasonDoorLocked  Reason = "door_locked"
	ReasonTierMet     Reason = "tier_met"
	ReasonTierNotMet  Reason = "tier_not_met"
	ReasonNotListed   Reason = "not_on_allowlist"
	ReasonUnknownMode Reason = "unknown_access_mode"
)

// Input is everything a decision depends on.
type Input struct {
	Room        *models.Room
	ViewerID    string
	Tier        models.Tier
	MinimumTier models.Tier
}

type Decision struct {
	CanView  bool
	CanEnter bool
	Reason   Reason
}

// Evaluate is pure: same input, same decision, no side effects.
func Evaluate(in Input) Decision {
	room := in.Room
	if in.ViewerID == room.OwnerID {
		return Decision{CanView: true, CanEnter: true, Reason: ReasonOwner}
	}
	if in.Tier == models.TierBlocked {
		return Decision{Reason: ReasonBlocked}
	}
	if entry, ok := room.AccessEntryFor(in.ViewerID); ok {
		if entry.Decision == models.DecisionAllow {
			return Decision{CanView: true, CanEnter: true, Reason: ReasonListAllow}
		}
		return Decision{Reason: ReasonListDeny}
	}

	unlocked := room.DoorState == models.DoorUnlocked
	switch room.AccessMode {
	case models.AccessOpen:
		if !unlocked {
			return Decision{CanView: true, Reason: ReasonDoorLocked}
		}
		return Decision{CanView: true, CanEnter: true, Reason: ReasonOpen}
	case models.AccessTrustTierGated:
		if !in.Tier.AtLeast(in.MinimumTier) {
			return Decision{Reason: ReasonTierNotMet}
		}
		if !unlocked {
			return Decision{CanView: true, Reason: ReasonDoorLocked}
		}
		return Decision{CanView: true, CanEnter: true, Reason: ReasonTierMet}
	case models.AccessAllowlistOnly:
		return Decision{Reason: ReasonNotListed}
	}
	return Decision{Reason: ReasonUnknownMode}
}

func CanView(in Input) bool {
	return Evaluate(in).CanView
}

func CanEnter(in Input) bool {
	return Evaluate(in).CanEnter
}

// TierSource is the trust tier collaborator.
type TierSource interface {
	GetTier(ctx context.Context, ownerID, viewerID string) (models.Tier, error)
}

// RoomSource yields the owner's room settings, creating defaults if needed.
type RoomSource interface {
	GetOrCreateRoom(ctx context.Context, ownerID string) (*models.Room, error)
}

// Resolver loads the inputs for Evaluate from its collaborators.
type Resolver struct {
	rooms       RoomSource
	tiers       TierSource
	minimumTier models.Tier
}

func NewResolver(rooms RoomSource, tiers TierSource, minimumTier models.Tier) *Resolver {
	return &Resolver{rooms: rooms, tiers: tiers, minimumTier: minimumTier}
}

// Decide evaluates viewerID against ownerID's room.
func (r *Resolver) Decide(ctx context.Context, ownerID, viewerID string) (Decision, error) {
	room, err := r.rooms.GetOrCreateRoom(ctx, ownerID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load room: %w", err)
	}
	return r.DecideFor(ctx, room, viewerID)
}

// DecideFor evaluates against a room the caller already holds.
func (r *Resolver) DecideFor(ctx context.Context, room *models.Room, viewerID string) (Decision, error) {
	tier := models.TierPeoples
	if viewerID != room.OwnerID {
		var err error
		tier, err = r.tiers.GetTier(ctx, room.OwnerID, viewerID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load trust tier: %w", err)
		}
	}
	return Evaluate(Input{Room: room, ViewerID: viewerID, Tier: tier, MinimumTier: r.minimumTier}), nil
}

func (r *Resolver) CanView(ctx context.Context, ownerID, viewerID string) (bool, error) {
	d, err := r.Decide(ctx, ownerID, viewerID)
	return d.CanView, err
}

func (r *Resolver) CanEnter(ctx context.Context, ownerID, viewerID string) (bool, error) {
	d, err := r.Decide(ctx, ownerID, viewerID)
	return d.CanEnter, err
}

// IsBlocked reports whether the owner has blocked viewerID.
func (r *Resolver) IsBlocked(ctx context.Context, ownerID, viewerID string) (bool, error) {
	if ownerID == viewerID {
		return false, nil
	}
	tier, err := r.tiers.GetTier(ctx, ownerID, viewerID)
	if err != nil {
		return false, fmt.Errorf("failed to load trust tier: %w", err)
	}
	return tier == models.TierBlocked, nil
}
