package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"room-engine/internal/access"
	"room-engine/internal/database"
	"room-engine/internal/models"
	"room-engine/pkg/logger"
)

type RoomService struct {
	db         database.RoomRepository
	access     *access.Resolver
	highlights *HighlightService
	locks      *ownerLocks
	now        func() time.Time
}

func NewRoomService(db database.RoomRepository, resolver *access.Resolver, highlights *HighlightService, locks *ownerLocks, now func() time.Time) *RoomService {
	return &RoomService{db: db, access: resolver, highlights: highlights, locks: locks, now: now}
}

// roomSource adapts the repository to access.RoomSource.
type roomSource struct {
	db  database.RoomRepository
	now func() time.Time
}

func (r roomSource) GetOrCreateRoom(ctx context.Context, ownerID string) (*models.Room, error) {
	return r.db.GetOrCreateRoom(ctx, ownerID, r.now())
}

// GetOrCreateRoom is an idempotent upsert of the owner's settings document.
func (s *RoomService) GetOrCreateRoom(ctx context.Context, ownerID string) (*models.Room, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}
	room, err := s.db.GetOrCreateRoom(ctx, ownerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	return room, nil
}

// GetRoom returns ownerID's room if viewerID may see it.
func (s *RoomService) GetRoom(ctx context.Context, ownerID, viewerID string) (*models.Room, error) {
	room, err := s.GetOrCreateRoom(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if viewerID == ownerID {
		return room, nil
	}
	d, err := s.access.DecideFor(ctx, room, viewerID)
	if err != nil {
		return nil, err
	}
	if !d.CanView {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
	}
	return room, nil
}

// CheckAccess reports what viewerID may do in ownerID's room.
func (s *RoomService) CheckAccess(ctx context.Context, ownerID, viewerID string) (*models.AccessCheck, error) {
	room, err := s.GetOrCreateRoom(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	d, err := s.access.DecideFor(ctx, room, viewerID)
	if err != nil {
		return nil, err
	}
	return &models.AccessCheck{OwnerID: ownerID, CanView: d.CanView, CanEnter: d.CanEnter, Reason: string(d.Reason)}, nil
}

func (s *RoomService) UpdateSettings(ctx context.Context, ownerID, actorID string, patch models.SettingsPatch) (*models.Room, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	if patch.Empty() {
		verr.add("settings", "nothing to update")
	}
	if patch.DoorState != nil && !patch.DoorState.Valid() {
		verr.add("door_state", "must be LOCKED or UNLOCKED")
	}
	if patch.AccessMode != nil && !patch.AccessMode.Valid() {
		verr.add("access_mode", "must be OPEN, TRUST_TIER_GATED or ALLOWLIST_ONLY")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	now := s.now()
	before, err := s.db.GetOrCreateRoom(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	after, err := s.db.UpdateRoomSettings(ctx, ownerID, patch, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update room settings: %w", err)
	}

	if before.DoorState != after.DoorState {
		if _, err := s.highlights.Emit(ctx, doorHighlight(ownerID, after.DoorState)); err != nil {
			return nil, err
		}
	}
	if before.AccessMode != after.AccessMode {
		_, err := s.highlights.Emit(ctx, models.Highlight{
			OwnerID:   ownerID,
			EventType: models.HighlightSettingsUpdated,
			Metadata: map[string]any{
				"access_mode":          string(after.AccessMode),
				"previous_access_mode": string(before.AccessMode),
			},
		})
		if err != nil {
			return nil, err
		}
		s.revokeViewers(ctx, ownerID)
	}
	return after, nil
}

func (s *RoomService) AddToAccessList(ctx context.Context, ownerID, actorID, userID string, decision models.AccessDecision) (*models.Room, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	if userID == "" {
		verr.add("user_id", "is required")
	} else if userID == ownerID {
		verr.add("user_id", "owner cannot be on their own access list")
	}
	if !decision.Valid() {
		verr.add("decision", "must be ALLOW or DENY")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	now := s.now()
	room, err := s.db.UpsertAccessEntry(ctx, ownerID, models.AccessEntry{UserID: userID, Decision: decision, AddedAt: now}, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update access list: %w", err)
	}
	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightAccessListUpdated,
		VisitorID: userID,
		Metadata:  map[string]any{"action": "upsert", "decision": string(decision)},
	})
	if err != nil {
		return nil, err
	}
	if decision == models.DecisionDeny {
		s.revokeViewers(ctx, ownerID)
	}
	return room, nil
}

// RemoveFromAccessList is a no-op without a highlight when userID has no entry.
func (s *RoomService) RemoveFromAccessList(ctx context.Context, ownerID, actorID, userID string) (*models.Room, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	room, removed, err := s.db.RemoveAccessEntry(ctx, ownerID, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update access list: %w", err)
	}
	if removed {
		_, err := s.highlights.Emit(ctx, models.Highlight{
			OwnerID:   ownerID,
			EventType: models.HighlightAccessListUpdated,
			VisitorID: userID,
			Metadata:  map[string]any{"action": "remove"},
		})
		if err != nil {
			return nil, err
		}
		s.revokeViewers(ctx, ownerID)
	}
	return room, nil
}

// revokeViewers drops live subscriptions that a settings or access list
// change took away. The change itself already succeeded, so failures are logged.
func (s *RoomService) revokeViewers(ctx context.Context, ownerID string) {
	if _, err := s.highlights.RevokeViewers(ctx, ownerID); err != nil {
		logger.Error("Revoking viewers of %s's room failed: %v", ownerID, err)
	}
}

func (s *RoomService) LockDoors(ctx context.Context, ownerID, actorID string) (*models.Room, error) {
	return s.setDoor(ctx, ownerID, actorID, models.DoorLocked)
}

func (s *RoomService) UnlockDoors(ctx context.Context, ownerID, actorID string) (*models.Room, error) {
	return s.setDoor(ctx, ownerID, actorID, models.DoorUnlocked)
}

// setDoor is idempotent and only records a highlight on an actual change.
func (s *RoomService) setDoor(ctx context.Context, ownerID, actorID string, state models.DoorState) (*models.Room, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	type result struct {
		room    *models.Room
		changed bool
	}
	res, err := retryOnce("set door "+string(state), func() (result, error) {
		room, changed, err := s.db.SetDoorState(ctx, ownerID, state, s.now())
		return result{room, changed}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set door state: %w", err)
	}
	if res.changed {
		if _, err := s.highlights.Emit(ctx, doorHighlight(ownerID, state)); err != nil {
			return nil, err
		}
	}
	return res.room, nil
}

func doorHighlight(ownerID string, state models.DoorState) models.Highlight {
	t := models.HighlightDoorUnlocked
	if state == models.DoorLocked {
		t = models.HighlightDoorLocked
	}
	return models.Highlight{OwnerID: ownerID, EventType: t}
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
