package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"room-engine/internal/access"
	"room-engine/internal/database"
	"room-engine/internal/models"
	"room-engine/pkg/logger"

	"github.com/google/uuid"
)

const (
	DefaultHighlightLimit = 20
	MaxHighlightLimit     = 100
	maxTitleLength        = 100
	maxDescriptionLength  = 500
)

// Publisher is the realtime side of the timeline. Broadcast pushes an event
// to every connection subscribed to ownerID's room plus every connection of
// alsoUsers. The websocket hub satisfies it.
type Publisher interface {
	Broadcast(ownerID string, event models.OutboundEvent, alsoUsers ...string) int
	SendToUser(userID string, event models.OutboundEvent) int
	SubscribedUsers(ownerID string) []string
	LeaveUser(ownerID, userID string) int
}

type HighlightService struct {
	db        database.HighlightRepository
	access    *access.Resolver
	pub       Publisher
	now       func() time.Time
	retention time.Duration
}

func NewHighlightService(db database.HighlightRepository, resolver *access.Resolver, pub Publisher, now func() time.Time, retention time.Duration) *HighlightService {
	return &HighlightService{db: db, access: resolver, pub: pub, now: now, retention: retention}
}

// Record appends h to the timeline, filling in its id and timestamp.
func (s *HighlightService) Record(ctx context.Context, h models.Highlight) (*models.Highlight, error) {
	if h.OwnerID == "" || h.EventType == "" {
		return nil, fmt.Errorf("highlight needs owner and event type")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	if err := s.db.InsertHighlight(ctx, &h); err != nil {
		return nil, fmt.Errorf("failed to record %s highlight: %w", h.EventType, err)
	}
	return &h, nil
}

// Emit records h and then pushes it to the owner's room. Owner-only events
// go to the owner's connections alone.
func (s *HighlightService) Emit(ctx context.Context, h models.Highlight, alsoUsers ...string) (*models.Highlight, error) {
	rec, err := s.Record(ctx, h)
	if err != nil {
		return nil, err
	}
	if s.pub != nil {
		ev := models.HighlightEvent{Highlight: rec}
		var n int
		if rec.EventType.OwnerOnly() {
			n = s.pub.SendToUser(rec.OwnerID, ev)
		} else {
			n = s.pub.Broadcast(rec.OwnerID, ev, alsoUsers...)
		}
		logger.Debug("Broadcast %s for %s to %d connections", rec.EventType, rec.OwnerID, n)
	}
	return rec, nil
}

// RevokeViewers unsubscribes every user connected to ownerID's room who may
// no longer view it, and sends each of them a left event.
func (s *HighlightService) RevokeViewers(ctx context.Context, ownerID string) (int, error) {
	if s.pub == nil {
		return 0, nil
	}
	revoked := 0
	for _, userID := range s.pub.SubscribedUsers(ownerID) {
		if userID == ownerID {
			continue
		}
		ok, err := s.access.CanView(ctx, ownerID, userID)
		if err != nil {
			return revoked, err
		}
		if ok {
			continue
		}
		if s.pub.LeaveUser(ownerID, userID) > 0 {
			s.pub.SendToUser(userID, models.LeftEvent{OwnerID: ownerID})
			revoked++
		}
	}
	if revoked > 0 {
		logger.Info("Revoked %d viewers from %s's room", revoked, ownerID)
	}
	return revoked, nil
}

// authorizeView lets the owner through and asks the resolver for everyone else.
func (s *HighlightService) authorizeView(ctx context.Context, ownerID, viewerID string) error {
	if ownerID == "" {
		return invalid("owner_id", "is required")
	}
	if viewerID == ownerID {
		return nil
	}
	ok, err := s.access.CanView(ctx, ownerID, viewerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not view %s's highlights", ErrPermissionDenied, viewerID, ownerID)
	}
	return nil
}

func (s *HighlightService) GetHighlights(ctx context.Context, ownerID, viewerID string, filter models.HighlightFilter, limit, skip int) (*models.HighlightPage, error) {
	verr := &ValidationError{}
	if limit == 0 {
		limit = DefaultHighlightLimit
	}
	if limit < 0 || limit > MaxHighlightLimit {
		verr.add("limit", fmt.Sprintf("must be between 1 and %d", MaxHighlightLimit))
	}
	if skip < 0 {
		verr.add("skip", "must not be negative")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, ownerID, viewerID); err != nil {
		return nil, err
	}

	q := filter.Query(ownerID, viewerID)
	total, err := s.db.CountHighlights(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count highlights: %w", err)
	}
	q.Limit, q.Skip = limit, skip
	list, err := s.db.ListHighlights(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list highlights: %w", err)
	}
	return &models.HighlightPage{
		OwnerID:    ownerID,
		Filter:     string(filter),
		Highlights: list,
		Total:      total,
		Limit:      limit,
		Skip:       skip,
	}, nil
}

func (s *HighlightService) GetHighlightCount(ctx context.Context, ownerID, viewerID string, filter models.HighlightFilter) (int, error) {
	if err := s.authorizeView(ctx, ownerID, viewerID); err != nil {
		return 0, err
	}
	return s.db.CountHighlights(ctx, filter.Query(ownerID, viewerID))
}

// CreateSpecialMoment lets an owner pin a titled moment to their timeline.
func (s *HighlightService) CreateSpecialMoment(ctx context.Context, ownerID, actorID, title, description string) (*models.Highlight, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	verr := &ValidationError{}
	if n := utf8.RuneCountInString(title); n == 0 || n > maxTitleLength {
		verr.add("title", fmt.Sprintf("must be 1-%d characters", maxTitleLength))
	}
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		verr.add("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	return s.Emit(ctx, models.Highlight{
		OwnerID:     ownerID,
		EventType:   models.HighlightSpecialMoment,
		Title:       title,
		Description: description,
	})
}

// Prune drops highlights older than the retention window. A zero retention
// keeps everything.
func (s *HighlightService) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.db.DeleteHighlightsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune highlights: %w", err)
	}
	if n > 0 {
		logger.Info("Pruned %d highlights older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// requireOwner is the owner-only check for room mutations.
func requireOwner(ownerID, actorID string) error {
	if ownerID == "" {
		return invalid("owner_id", "is required")
	}
	if actorID != ownerID {
		return fmt.Errorf("%w: only the owner may change this room", ErrPermissionDenied)
	}
	return nil
}
