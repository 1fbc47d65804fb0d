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

	"github.com/google/uuid"
)

// Reasons recorded on visitor_left highlights.
const (
	LeftReasonLeft         = "left"
	LeftReasonRemoved      = "removed"
	LeftReasonSessionEnded = "session_ended"
)

type SessionService struct {
	db         database.SessionRepository
	access     *access.Resolver
	highlights *HighlightService
	locks      *ownerLocks
	now        func() time.Time
}

func NewSessionService(db database.SessionRepository, resolver *access.Resolver, highlights *HighlightService, locks *ownerLocks, now func() time.Time) *SessionService {
	return &SessionService{db: db, access: resolver, highlights: highlights, locks: locks, now: now}
}

// GetActiveSession returns ErrNotFound when the owner is not in their room.
func (s *SessionService) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	session, err := s.db.GetActiveSession(ctx, ownerID)
	if isStoreNotFound(err) {
		return nil, noActiveSession(ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// Status is the read model for the session endpoint. Non-owners need can_view.
func (s *SessionService) Status(ctx context.Context, ownerID, viewerID string) (*models.SessionStatus, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}
	if viewerID != ownerID {
		ok, err := s.access.CanView(ctx, ownerID, viewerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s may not view %s's room", ErrPermissionDenied, viewerID, ownerID)
		}
	}

	status := &models.SessionStatus{OwnerID: ownerID}
	session, err := s.GetActiveSession(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Active = true
	status.Session = session
	status.VisitorCount = len(session.CurrentVisitors)
	return status, nil
}

// EnterRoom starts the owner's session. Calling it again returns the same session.
func (s *SessionService) EnterRoom(ctx context.Context, ownerID, actorID string) (*models.Session, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	type result struct {
		session *models.Session
		created bool
	}
	sessionID := uuid.NewString()
	res, err := retryOnce("enter room", func() (result, error) {
		session, created, err := s.db.StartSession(ctx, ownerID, sessionID, s.now())
		return result{session, created}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if !res.created {
		return res.session, nil
	}

	logger.Info("Owner %s entered their room (session %s)", ownerID, res.session.ID)
	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightSessionStarted,
		SessionID: res.session.ID,
	})
	if err != nil {
		return nil, err
	}
	return res.session, nil
}

// ExitRoom ends the session and evicts every visitor in one store write.
func (s *SessionService) ExitRoom(ctx context.Context, ownerID, actorID string) (*models.Session, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	session, evicted, err := s.db.EndSession(ctx, ownerID, s.now())
	if errors.Is(err, database.ErrNoActiveSession) {
		return nil, noActiveSession(ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	// The session is already over; keep recording the remaining events
	// when one write fails and report every failure at the end.
	logger.Info("Owner %s left their room, evicted %d visitors", ownerID, len(evicted))
	var errs []error
	for _, v := range evicted {
		_, err := s.highlights.Emit(ctx, models.Highlight{
			OwnerID:   ownerID,
			EventType: models.HighlightVisitorLeft,
			VisitorID: v.UserID,
			SessionID: session.ID,
			Metadata:  map[string]any{"reason": LeftReasonSessionEnded},
		}, v.UserID)
		if err != nil {
			logger.Error("Recording eviction of %s from %s's room failed: %v", v.UserID, ownerID, err)
			errs = append(errs, err)
		}
	}
	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightSessionEnded,
		SessionID: session.ID,
		Metadata:  map[string]any{"evicted": len(evicted)},
	})
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return session, nil
}

// AddVisitor admits visitorID into the active session. The caller has
// already checked entry permission. Adding a present visitor is a no-op.
func (s *SessionService) AddVisitor(ctx context.Context, ownerID, visitorID string) (*models.Session, bool, error) {
	unlock := s.locks.lock(ownerID)
	defer unlock()
	return s.admitLocked(ctx, ownerID, visitorID, nil)
}

// admitLocked expects the owner lock to be held.
func (s *SessionService) admitLocked(ctx context.Context, ownerID, visitorID string, metadata map[string]any) (*models.Session, bool, error) {
	if visitorID == "" || visitorID == ownerID {
		return nil, false, invalid("visitor_id", "must be someone other than the owner")
	}
	session, added, err := s.db.AddVisitor(ctx, ownerID, visitorID, s.now())
	if errors.Is(err, database.ErrNoActiveSession) {
		return nil, false, noActiveSession(ownerID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to add visitor: %w", err)
	}
	if !added {
		return session, false, nil
	}

	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightVisitorEntered,
		VisitorID: visitorID,
		SessionID: session.ID,
		Metadata:  metadata,
	}, visitorID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// RemoveVisitor takes visitorID out of the active session. Removing someone
// who is not there is a no-op and reports false.
func (s *SessionService) RemoveVisitor(ctx context.Context, ownerID, visitorID string) (*models.Session, bool, error) {
	unlock := s.locks.lock(ownerID)
	defer unlock()
	return s.removeLocked(ctx, ownerID, visitorID, LeftReasonRemoved)
}

// EjectVisitor is the owner's way of showing a visitor out.
func (s *SessionService) EjectVisitor(ctx context.Context, ownerID, actorID, visitorID string) (*models.Session, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	if visitorID == "" {
		return nil, invalid("visitor_id", "is required")
	}
	session, _, err := s.RemoveVisitor(ctx, ownerID, visitorID)
	return session, err
}

func (s *SessionService) removeLocked(ctx context.Context, ownerID, visitorID, reason string) (*models.Session, bool, error) {
	session, removed, err := s.db.RemoveVisitor(ctx, ownerID, visitorID)
	if errors.Is(err, database.ErrNoActiveSession) {
		return nil, false, noActiveSession(ownerID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove visitor: %w", err)
	}
	if !removed {
		return session, false, nil
	}

	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightVisitorLeft,
		VisitorID: visitorID,
		SessionID: session.ID,
		Metadata:  map[string]any{"reason": reason},
	}, visitorID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (s *SessionService) IsVisitorInRoom(ctx context.Context, ownerID, visitorID string) (bool, error) {
	session, err := s.GetActiveSession(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return session.HasVisitor(visitorID), nil
}

func (s *SessionService) GetVisitorCount(ctx context.Context, ownerID string) (int, error) {
	session, err := s.GetActiveSession(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(session.CurrentVisitors), nil
}

// Visit is the visitor's own "walk in": it needs can_enter and an active session.
func (s *SessionService) Visit(ctx context.Context, ownerID, visitorID string) (*models.Session, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}
	if visitorID == ownerID {
		return nil, invalid("owner_id", "owners enter their own room with enter")
	}

	// Held across the check so a door or list change cannot slip in before admission.
	unlock := s.locks.lock(ownerID)
	defer unlock()

	ok, err := s.access.CanEnter(ctx, ownerID, visitorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not enter %s's room", ErrPermissionDenied, visitorID, ownerID)
	}

	session, _, err := s.admitLocked(ctx, ownerID, visitorID, map[string]any{"via": "direct"})
	return session, err
}

// Leave removes visitorID from the room. Leaving a room you are not in succeeds.
func (s *SessionService) Leave(ctx context.Context, ownerID, visitorID string) (*models.Session, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	session, _, err := s.removeLocked(ctx, ownerID, visitorID, LeftReasonLeft)
	return session, err
}
