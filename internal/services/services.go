package services

import (
	"time"

	"room-engine/internal/access"
	"room-engine/internal/database"
	"room-engine/internal/models"
)

type Deps struct {
	DB          database.Database
	Publisher   Publisher
	Now         func() time.Time
	MinimumTier models.Tier
	KnockTTL    time.Duration
	MaxKnockTTL time.Duration
	Retention   time.Duration
}

// Services is the wired set of room engine services sharing one store,
// one per-owner lock table and one clock.
type Services struct {
	Access     *access.Resolver
	Rooms      *RoomService
	Sessions   *SessionService
	Knocks     *KnockService
	Highlights *HighlightService
	Sweeper    *Sweeper
}

func New(d Deps) *Services {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.MinimumTier == "" {
		d.MinimumTier = models.TierCool
	}
	if d.KnockTTL <= 0 {
		d.KnockTTL = 5 * time.Minute
	}
	if d.MaxKnockTTL <= 0 {
		d.MaxKnockTTL = 24 * time.Hour
	}

	locks := newOwnerLocks()
	resolver := access.NewResolver(roomSource{db: d.DB, now: d.Now}, d.DB, d.MinimumTier)
	highlights := NewHighlightService(d.DB, resolver, d.Publisher, d.Now, d.Retention)
	sessions := NewSessionService(d.DB, resolver, highlights, locks, d.Now)
	knocks := NewKnockService(d.DB, resolver, sessions, highlights, locks, d.Now, d.KnockTTL, d.MaxKnockTTL)

	return &Services{
		Access:     resolver,
		Rooms:      NewRoomService(d.DB, resolver, highlights, locks, d.Now),
		Sessions:   sessions,
		Knocks:     knocks,
		Highlights: highlights,
		Sweeper:    NewSweeper(knocks, highlights, d.Now),
	}
}
