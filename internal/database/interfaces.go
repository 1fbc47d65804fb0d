package database

import (
	"context"
	"errors"
	"time"

	"room-engine/internal/models"
)

var (
	ErrNotFound        = errors.New("database: not found")
	ErrNotPending      = errors.New("database: knock is not pending")
	ErrNoActiveSession = errors.New("database: no active session")
)

// RoomRepository stores one settings document per owner. Every write is a
// single atomic statement on that document.
type RoomRepository interface {
	GetOrCreateRoom(ctx context.Context, ownerID string, now time.Time) (*models.Room, error)
	GetRoom(ctx context.Context, ownerID string) (*models.Room, error)
	UpdateRoomSettings(ctx context.Context, ownerID string, patch models.SettingsPatch, now time.Time) (*models.Room, error)
	// SetDoorState reports changed=false when the door was already in state.
	SetDoorState(ctx context.Context, ownerID string, state models.DoorState, now time.Time) (*models.Room, bool, error)
	UpsertAccessEntry(ctx context.Context, ownerID string, entry models.AccessEntry, now time.Time) (*models.Room, error)
	RemoveAccessEntry(ctx context.Context, ownerID, userID string, now time.Time) (*models.Room, bool, error)
}

type SessionRepository interface {
	// GetActiveSession returns ErrNotFound when the owner is not present.
	GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error)
	// StartSession returns the already active session with created=false if there is one.
	StartSession(ctx context.Context, ownerID, sessionID string, now time.Time) (*models.Session, bool, error)
	// EndSession deactivates and empties the session in one write and returns
	// the visitors it evicted.
	EndSession(ctx context.Context, ownerID string, now time.Time) (*models.Session, []models.Visitor, error)
	AddVisitor(ctx context.Context, ownerID, visitorID string, now time.Time) (*models.Session, bool, error)
	RemoveVisitor(ctx context.Context, ownerID, visitorID string) (*models.Session, bool, error)
}

type KnockRepository interface {
	// CreateKnock inserts k unless a pending knock exists for the same pair,
	// in which case that one is returned with created=false.
	CreateKnock(ctx context.Context, k *models.Knock) (*models.Knock, bool, error)
	GetKnock(ctx context.Context, id string) (*models.Knock, error)
	ListKnocksForOwner(ctx context.Context, ownerID string, status *models.KnockStatus) ([]*models.Knock, error)
	ListKnocksForVisitor(ctx context.Context, visitorID string, status *models.KnockStatus) ([]*models.Knock, error)
	// ResolveKnock moves a knock out of PENDING. It fails with ErrNotPending
	// if another writer got there first.
	ResolveKnock(ctx context.Context, id string, status models.KnockStatus, now time.Time) (*models.Knock, error)
	// ExpireKnocks flips every pending knock with expires_at <= now to EXPIRED
	// and returns exactly the knocks this call transitioned.
	ExpireKnocks(ctx context.Context, now time.Time) ([]*models.Knock, error)
}

type HighlightRepository interface {
	InsertHighlight(ctx context.Context, h *models.Highlight) error
	ListHighlights(ctx context.Context, q models.HighlightQuery) ([]*models.Highlight, error)
	CountHighlights(ctx context.Context, q models.HighlightQuery) (int, error)
	DeleteHighlightsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TierRepository backs the trust tier lookup. A missing relationship is OTHERS.
type TierRepository interface {
	GetTier(ctx context.Context, ownerID, viewerID string) (models.Tier, error)
	SetTier(ctx context.Context, ownerID, viewerID string, tier models.Tier) error
}

type Database interface {
	RoomRepository
	SessionRepository
	KnockRepository
	HighlightRepository
	TierRepository
	Close() error
}
