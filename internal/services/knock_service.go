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

type KnockService struct {
	db         database.KnockRepository
	access     *access.Resolver
	sessions   *SessionService
	highlights *HighlightService
	locks      *ownerLocks
	now        func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

func NewKnockService(db database.KnockRepository, resolver *access.Resolver, sessions *SessionService, highlights *HighlightService, locks *ownerLocks, now func() time.Time, defaultTTL, maxTTL time.Duration) *KnockService {
	return &KnockService{
		db:         db,
		access:     resolver,
		sessions:   sessions,
		highlights: highlights,
		locks:      locks,
		now:        now,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// TTLFromSeconds converts a client-supplied ttl, rejecting values past the
// maximum before they can overflow a Duration.
func (s *KnockService) TTLFromSeconds(seconds int) (time.Duration, error) {
	if seconds < 0 || int64(seconds) > int64(s.maxTTL/time.Second) {
		return 0, invalid("ttl", fmt.Sprintf("must be between 1s and %s", s.maxTTL))
	}
	return time.Duration(seconds) * time.Second, nil
}

// CreateKnock asks ownerID to let visitorID in. While a knock for the pair
// is pending it is returned unchanged with created=false. A zero ttl uses
// the default.
func (s *KnockService) CreateKnock(ctx context.Context, ownerID, visitorID string, ttl time.Duration) (*models.Knock, bool, error) {
	verr := &ValidationError{}
	if ownerID == "" {
		verr.add("owner_id", "is required")
	}
	if visitorID == ownerID {
		verr.add("owner_id", "cannot knock on your own door")
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Second || ttl > s.maxTTL {
		verr.add("ttl", fmt.Sprintf("must be between 1s and %s", s.maxTTL))
	}
	if err := verr.orNil(); err != nil {
		return nil, false, err
	}

	blocked, err := s.access.IsBlocked(ctx, ownerID, visitorID)
	if err != nil {
		return nil, false, err
	}
	if blocked {
		return nil, false, fmt.Errorf("%w: %s may not knock on %s's door", ErrPermissionDenied, visitorID, ownerID)
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	now := s.now()
	if err := s.expireStalePending(ctx, ownerID, visitorID, now); err != nil {
		return nil, false, err
	}

	knock, created, err := s.db.CreateKnock(ctx, &models.Knock{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		VisitorID: visitorID,
		Status:    models.KnockPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create knock: %w", err)
	}
	if !created {
		return knock, false, nil
	}

	logger.Info("User %s knocked on %s's door (knock %s)", visitorID, ownerID, knock.ID)
	_, err = s.highlights.Emit(ctx, models.Highlight{
		OwnerID:   ownerID,
		EventType: models.HighlightKnockCreated,
		VisitorID: visitorID,
		Metadata: map[string]any{
			"knock_id":   knock.ID,
			"expires_at": knock.ExpiresAt.Format(time.RFC3339),
		},
	}, visitorID)
	if err != nil {
		return nil, false, err
	}
	return knock, true, nil
}

// expireStalePending retires a pending knock for the pair that is past its
// expiry but has not been swept yet, so a fresh knock can take its place.
func (s *KnockService) expireStalePending(ctx context.Context, ownerID, visitorID string, now time.Time) error {
	pending := models.KnockPending
	knocks, err := s.db.ListKnocksForVisitor(ctx, visitorID, &pending)
	if err != nil {
		return fmt.Errorf("failed to load knocks: %w", err)
	}
	for _, k := range knocks {
		if k.OwnerID != ownerID || !k.Stale(now) {
			continue
		}
		if err := s.expire(ctx, k.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// expire flips one knock to EXPIRED. Losing the race to the sweeper is fine.
func (s *KnockService) expire(ctx context.Context, knockID string, now time.Time) error {
	k, err := s.db.ResolveKnock(ctx, knockID, models.KnockExpired, now)
	if errors.Is(err, database.ErrNotPending) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to expire knock: %w", err)
	}
	_, err = s.highlights.Emit(ctx, knockHighlight(k, models.HighlightKnockExpired, nil), k.VisitorID)
	return err
}

func (s *KnockService) GetKnock(ctx context.Context, knockID, actorID string) (*models.Knock, error) {
	k, err := s.db.GetKnock(ctx, knockID)
	if isStoreNotFound(err) {
		return nil, fmt.Errorf("%w: knock %s", ErrNotFound, knockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knock: %w", err)
	}
	if actorID != k.OwnerID && actorID != k.VisitorID {
		return nil, fmt.Errorf("%w: knock %s belongs to someone else", ErrPermissionDenied, knockID)
	}
	return k, nil
}

// GetKnocksForOwner lists the owner's knocks newest first, optionally by status.
func (s *KnockService) GetKnocksForOwner(ctx context.Context, ownerID, actorID string, status *models.KnockStatus) ([]*models.Knock, error) {
	if err := requireOwner(ownerID, actorID); err != nil {
		return nil, err
	}
	knocks, err := s.db.ListKnocksForOwner(ctx, ownerID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list knocks: %w", err)
	}
	return knocks, nil
}

func (s *KnockService) GetKnocksForVisitor(ctx context.Context, visitorID string, status *models.KnockStatus) ([]*models.Knock, error) {
	knocks, err := s.db.ListKnocksForVisitor(ctx, visitorID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list knocks: %w", err)
	}
	return knocks, nil
}

// RespondToKnock resolves a pending knock. An approval admits the visitor
// when the owner has an active session; otherwise it is only recorded.
func (s *KnockService) RespondToKnock(ctx context.Context, knockID string, decision models.KnockDecision, actorID string) (*models.KnockResult, error) {
	if decision != models.KnockApprove && decision != models.KnockDeny {
		return nil, invalid("decision", "must be APPROVE or DENY")
	}
	k, err := s.db.GetKnock(ctx, knockID)
	if isStoreNotFound(err) {
		return nil, fmt.Errorf("%w: knock %s", ErrNotFound, knockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knock: %w", err)
	}
	if k.OwnerID != actorID {
		return nil, fmt.Errorf("%w: only the owner may answer this knock", ErrPermissionDenied)
	}

	if k.Status.Terminal() {
		return nil, fmt.Errorf("%w: knock %s is already %s", ErrInvalidTransition, knockID, k.Status)
	}

	unlock := s.locks.lock(k.OwnerID)
	defer unlock()

	now := s.now()
	if k.Stale(now) {
		if err := s.expire(ctx, k.ID, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: knock %s has expired", ErrInvalidTransition, knockID)
	}

	resolved, err := s.db.ResolveKnock(ctx, knockID, decision.Status(), now)
	if errors.Is(err, database.ErrNotPending) {
		return nil, fmt.Errorf("%w: knock %s is already resolved", ErrInvalidTransition, knockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve knock: %w", err)
	}

	result := &models.KnockResult{Knock: resolved}
	eventType := models.HighlightKnockDenied
	if decision == models.KnockApprove {
		eventType = models.HighlightKnockApproved
		_, _, err := s.sessions.admitLocked(ctx, k.OwnerID, k.VisitorID, map[string]any{"via": "knock", "knock_id": k.ID})
		switch {
		case err == nil:
			result.Admitted = true
		case errors.Is(err, ErrNotFound):
			logger.Info("Knock %s approved while %s is away, nobody admitted", k.ID, k.OwnerID)
		default:
			return nil, err
		}
	}

	_, err = s.highlights.Emit(ctx, knockHighlight(resolved, eventType, map[string]any{"admitted": result.Admitted}), k.VisitorID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireOldKnocks flips every pending knock past its expiry to EXPIRED and
// records one highlight for each. Concurrent sweeps never expire a knock twice.
func (s *KnockService) ExpireOldKnocks(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.db.ExpireKnocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire knocks: %w", err)
	}
	for _, k := range expired {
		if _, err := s.highlights.Emit(ctx, knockHighlight(k, models.HighlightKnockExpired, nil), k.VisitorID); err != nil {
			logger.Error("Error recording expiry of knock %s: %v", k.ID, err)
		}
	}
	if len(expired) > 0 {
		logger.Info("Expired %d stale knocks", len(expired))
	}
	return len(expired), nil
}

func knockHighlight(k *models.Knock, t models.HighlightType, extra map[string]any) models.Highlight {
	md := map[string]any{"knock_id": k.ID}
	for key, v := range extra {
		md[key] = v
	}
	return models.Highlight{OwnerID: k.OwnerID, EventType: t, VisitorID: k.VisitorID, Metadata: md}
}
