package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"room-engine/internal/models"
)

type pairKey struct {
	owner, user string
}

// MemoryDB is a process-local Database. A single mutex makes every method
// one atomic document operation, matching what the Postgres store guarantees.
type MemoryDB struct {
	mu sync.Mutex

	rooms         map[string]*models.Room
	sessions      map[string]*models.Session
	activeByOwner map[string]string
	knocks        map[string]*models.Knock
	pending       map[pairKey]string
	highlights    []*models.Highlight
	tiers         map[pairKey]models.Tier
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		rooms:         make(map[string]*models.Room),
		sessions:      make(map[string]*models.Session),
		activeByOwner: make(map[string]string),
		knocks:        make(map[string]*models.Knock),
		pending:       make(map[pairKey]string),
		tiers:         make(map[pairKey]models.Tier),
	}
}

var _ Database = (*MemoryDB)(nil)

func (db *MemoryDB) Close() error {
	return nil
}

// Room Repository Implementation
func (db *MemoryDB) GetOrCreateRoom(ctx context.Context, ownerID string, now time.Time) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.roomLocked(ownerID, now).Clone(), nil
}

func (db *MemoryDB) roomLocked(ownerID string, now time.Time) *models.Room {
	room, ok := db.rooms[ownerID]
	if !ok {
		room = models.NewRoom(ownerID, now)
		db.rooms[ownerID] = room
	}
	return room
}

func (db *MemoryDB) GetRoom(ctx context.Context, ownerID string) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	room, ok := db.rooms[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

func (db *MemoryDB) UpdateRoomSettings(ctx context.Context, ownerID string, patch models.SettingsPatch, now time.Time) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	room := db.roomLocked(ownerID, now)
	if patch.DoorState != nil {
		room.DoorState = *patch.DoorState
	}
	if patch.AccessMode != nil {
		room.AccessMode = *patch.AccessMode
	}
	room.UpdatedAt = now
	return room.Clone(), nil
}

func (db *MemoryDB) SetDoorState(ctx context.Context, ownerID string, state models.DoorState, now time.Time) (*models.Room, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	room := db.roomLocked(ownerID, now)
	if room.DoorState == state {
		return room.Clone(), false, nil
	}
	room.DoorState = state
	room.UpdatedAt = now
	return room.Clone(), true, nil
}

func (db *MemoryDB) UpsertAccessEntry(ctx context.Context, ownerID string, entry models.AccessEntry, now time.Time) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	room := db.roomLocked(ownerID, now)
	room.AccessList = models.WithAccessEntry(room.AccessList, entry)
	room.UpdatedAt = now
	return room.Clone(), nil
}

func (db *MemoryDB) RemoveAccessEntry(ctx context.Context, ownerID, userID string, now time.Time) (*models.Room, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	room := db.roomLocked(ownerID, now)
	if _, ok := room.AccessEntryFor(userID); !ok {
		return room.Clone(), false, nil
	}
	room.AccessList = models.WithoutAccessEntry(room.AccessList, userID)
	room.UpdatedAt = now
	return room.Clone(), true, nil
}

// Session Repository Implementation
func (db *MemoryDB) activeLocked(ownerID string) *models.Session {
	id, ok := db.activeByOwner[ownerID]
	if !ok {
		return nil
	}
	return db.sessions[id]
}

func (db *MemoryDB) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.activeLocked(ownerID)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (db *MemoryDB) StartSession(ctx context.Context, ownerID, sessionID string, now time.Time) (*models.Session, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s := db.activeLocked(ownerID); s != nil {
		return s.Clone(), false, nil
	}
	s := &models.Session{
		ID:              sessionID,
		OwnerID:         ownerID,
		IsActive:        true,
		StartedAt:       now,
		CurrentVisitors: []models.Visitor{},
	}
	db.sessions[sessionID] = s
	db.activeByOwner[ownerID] = sessionID
	return s.Clone(), true, nil
}

func (db *MemoryDB) EndSession(ctx context.Context, ownerID string, now time.Time) (*models.Session, []models.Visitor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.activeLocked(ownerID)
	if s == nil {
		return nil, nil, ErrNoActiveSession
	}
	evicted := s.CurrentVisitors
	ended := now
	s.IsActive = false
	s.EndedAt = &ended
	s.CurrentVisitors = []models.Visitor{}
	delete(db.activeByOwner, ownerID)
	return s.Clone(), evicted, nil
}

func (db *MemoryDB) AddVisitor(ctx context.Context, ownerID, visitorID string, now time.Time) (*models.Session, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.activeLocked(ownerID)
	if s == nil {
		return nil, false, ErrNoActiveSession
	}
	if s.HasVisitor(visitorID) {
		return s.Clone(), false, nil
	}
	s.CurrentVisitors = append(s.CurrentVisitors, models.Visitor{UserID: visitorID, EnteredAt: now})
	return s.Clone(), true, nil
}

func (db *MemoryDB) RemoveVisitor(ctx context.Context, ownerID, visitorID string) (*models.Session, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.activeLocked(ownerID)
	if s == nil {
		return nil, false, ErrNoActiveSession
	}
	if !s.HasVisitor(visitorID) {
		return s.Clone(), false, nil
	}
	kept := make([]models.Visitor, 0, len(s.CurrentVisitors))
	for _, v := range s.CurrentVisitors {
		if v.UserID != visitorID {
			kept = append(kept, v)
		}
	}
	s.CurrentVisitors = kept
	return s.Clone(), true, nil
}

// Knock Repository Implementation
func (db *MemoryDB) CreateKnock(ctx context.Context, k *models.Knock) (*models.Knock, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := pairKey{k.OwnerID, k.VisitorID}
	if id, ok := db.pending[key]; ok {
		return db.knocks[id].Clone(), false, nil
	}
	stored := k.Clone()
	stored.Status = models.KnockPending
	db.knocks[stored.ID] = stored
	db.pending[key] = stored.ID
	return stored.Clone(), true, nil
}

func (db *MemoryDB) GetKnock(ctx context.Context, id string) (*models.Knock, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	k, ok := db.knocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}

func (db *MemoryDB) listKnocks(match func(*models.Knock) bool) []*models.Knock {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Knock
	for _, k := range db.knocks {
		if match(k) {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (db *MemoryDB) ListKnocksForOwner(ctx context.Context, ownerID string, status *models.KnockStatus) ([]*models.Knock, error) {
	return db.listKnocks(func(k *models.Knock) bool {
		return k.OwnerID == ownerID && (status == nil || k.Status == *status)
	}), nil
}

func (db *MemoryDB) ListKnocksForVisitor(ctx context.Context, visitorID string, status *models.KnockStatus) ([]*models.Knock, error) {
	return db.listKnocks(func(k *models.Knock) bool {
		return k.VisitorID == visitorID && (status == nil || k.Status == *status)
	}), nil
}

func (db *MemoryDB) ResolveKnock(ctx context.Context, id string, status models.KnockStatus, now time.Time) (*models.Knock, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	k, ok := db.knocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if k.Status.Terminal() {
		return nil, ErrNotPending
	}
	db.resolveLocked(k, status, now)
	return k.Clone(), nil
}

func (db *MemoryDB) resolveLocked(k *models.Knock, status models.KnockStatus, now time.Time) {
	responded := now
	k.Status = status
	k.RespondedAt = &responded
	delete(db.pending, pairKey{k.OwnerID, k.VisitorID})
}

func (db *MemoryDB) ExpireKnocks(ctx context.Context, now time.Time) ([]*models.Knock, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var expired []*models.Knock
	for _, id := range db.pending {
		k := db.knocks[id]
		if k.Stale(now) {
			db.resolveLocked(k, models.KnockExpired, now)
			expired = append(expired, k.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

// Highlight Repository Implementation
func (db *MemoryDB) InsertHighlight(ctx context.Context, h *models.Highlight) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := *h
	db.highlights = append(db.highlights, &c)
	return nil
}

// matchingLocked returns matches newest first; insertion order breaks ties.
func (db *MemoryDB) matchingLocked(q models.HighlightQuery) []*models.Highlight {
	var out []*models.Highlight
	for i := len(db.highlights) - 1; i >= 0; i-- {
		if q.Matches(db.highlights[i]) {
			out = append(out, db.highlights[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (db *MemoryDB) ListHighlights(ctx context.Context, q models.HighlightQuery) ([]*models.Highlight, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	all := db.matchingLocked(q)
	if q.Skip >= len(all) {
		return []*models.Highlight{}, nil
	}
	all = all[q.Skip:]
	if q.Limit > 0 && q.Limit < len(all) {
		all = all[:q.Limit]
	}
	out := make([]*models.Highlight, len(all))
	for i, h := range all {
		c := *h
		out[i] = &c
	}
	return out, nil
}

func (db *MemoryDB) CountHighlights(ctx context.Context, q models.HighlightQuery) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.matchingLocked(q)), nil
}

func (db *MemoryDB) DeleteHighlightsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.highlights[:0]
	var removed int64
	for _, h := range db.highlights {
		if h.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	db.highlights = kept
	return removed, nil
}

// Tier Repository Implementation
func (db *MemoryDB) GetTier(ctx context.Context, ownerID, viewerID string) (models.Tier, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tiers[pairKey{ownerID, viewerID}]; ok {
		return t, nil
	}
	return models.TierOthers, nil
}

func (db *MemoryDB) SetTier(ctx context.Context, ownerID, viewerID string, tier models.Tier) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tiers[pairKey{ownerID, viewerID}] = tier
	return nil
}
