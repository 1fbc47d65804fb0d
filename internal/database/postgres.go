package database

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"room-engine/internal/models"
	"room-engine/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type PostgresDB struct {
	pool *pgxpool.Pool
}

var _ Database = (*PostgresDB)(nil)

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Room Repository Implementation
const roomColumns = `owner_id, door_state, access_mode, access_list, created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		room       models.Room
		door, mode string
	)
	err := row.Scan(&room.OwnerID, &door, &mode, &room.AccessList, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return nil, err
	}
	room.DoorState = models.DoorState(door)
	room.AccessMode = models.AccessMode(mode)
	if room.AccessList == nil {
		room.AccessList = []models.AccessEntry{}
	}
	return &room, nil
}

func (db *PostgresDB) GetOrCreateRoom(ctx context.Context, ownerID string, now time.Time) (*models.Room, error) {
	query := `
		INSERT INTO rooms (owner_id, door_state, access_mode, access_list, created_at, updated_at)
		VALUES ($1, $2, $3, '[]'::jsonb, $4, $4)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING ` + roomColumns

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID,
		string(models.DefaultDoorState), string(models.DefaultAccessMode), now))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create room: %w", err)
	}
	return room, nil
}

func (db *PostgresDB) GetRoom(ctx context.Context, ownerID string) (*models.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE owner_id = $1`

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID))
	if err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (db *PostgresDB) UpdateRoomSettings(ctx context.Context, ownerID string, patch models.SettingsPatch, now time.Time) (*models.Room, error) {
	if _, err := db.GetOrCreateRoom(ctx, ownerID, now); err != nil {
		return nil, err
	}

	var door, mode *string
	if patch.DoorState != nil {
		s := string(*patch.DoorState)
		door = &s
	}
	if patch.AccessMode != nil {
		s := string(*patch.AccessMode)
		mode = &s
	}

	query := `
		UPDATE rooms
		SET door_state = COALESCE($2, door_state),
		    access_mode = COALESCE($3, access_mode),
		    updated_at = $4
		WHERE owner_id = $1
		RETURNING ` + roomColumns

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID, door, mode, now))
	if err != nil {
		return nil, fmt.Errorf("failed to update room settings: %w", err)
	}
	return room, nil
}

func (db *PostgresDB) SetDoorState(ctx context.Context, ownerID string, state models.DoorState, now time.Time) (*models.Room, bool, error) {
	if _, err := db.GetOrCreateRoom(ctx, ownerID, now); err != nil {
		return nil, false, err
	}

	query := `
		UPDATE rooms SET door_state = $2, updated_at = $3
		WHERE owner_id = $1 AND door_state <> $2
		RETURNING ` + roomColumns

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID, string(state), now))
	if errors.Is(err, pgx.ErrNoRows) {
		room, err = db.GetRoom(ctx, ownerID)
		return room, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to set door state: %w", err)
	}
	return room, true, nil
}

// filteredAccessList is the room's access list without $2's entry, order kept.
const filteredAccessList = `(
	SELECT COALESCE(jsonb_agg(e ORDER BY ord), '[]'::jsonb)
	FROM jsonb_array_elements(access_list) WITH ORDINALITY AS t(e, ord)
	WHERE e->>'user_id' <> $2
)`

func (db *PostgresDB) UpsertAccessEntry(ctx context.Context, ownerID string, entry models.AccessEntry, now time.Time) (*models.Room, error) {
	if _, err := db.GetOrCreateRoom(ctx, ownerID, now); err != nil {
		return nil, err
	}
	appended, err := json.Marshal([]models.AccessEntry{entry})
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE rooms
		SET access_list = ` + filteredAccessList + ` || $3::jsonb,
		    updated_at = $4
		WHERE owner_id = $1
		RETURNING ` + roomColumns

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID, entry.UserID, string(appended), now))
	if err != nil {
		return nil, fmt.Errorf("failed to update access list: %w", err)
	}
	return room, nil
}

func (db *PostgresDB) RemoveAccessEntry(ctx context.Context, ownerID, userID string, now time.Time) (*models.Room, bool, error) {
	if _, err := db.GetOrCreateRoom(ctx, ownerID, now); err != nil {
		return nil, false, err
	}

	query := `
		UPDATE rooms
		SET access_list = ` + filteredAccessList + `,
		    updated_at = $3
		WHERE owner_id = $1
		  AND access_list @> jsonb_build_array(jsonb_build_object('user_id', $2::text))
		RETURNING ` + roomColumns

	room, err := scanRoom(db.pool.QueryRow(ctx, query, ownerID, userID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		room, err = db.GetRoom(ctx, ownerID)
		return room, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update access list: %w", err)
	}
	return room, true, nil
}

// Session Repository Implementation
const sessionColumns = `id, owner_id, is_active, started_at, ended_at, current_visitors`

func scanSession(row pgx.Row) (*models.Session, error) {
	s := &models.Session{}
	if err := row.Scan(&s.ID, &s.OwnerID, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CurrentVisitors); err != nil {
		return nil, err
	}
	if s.CurrentVisitors == nil {
		s.CurrentVisitors = []models.Visitor{}
	}
	return s, nil
}

func (db *PostgresDB) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM room_sessions WHERE owner_id = $1 AND is_active`

	s, err := scanSession(db.pool.QueryRow(ctx, query, ownerID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (db *PostgresDB) StartSession(ctx context.Context, ownerID, sessionID string, now time.Time) (*models.Session, bool, error) {
	query := `
		INSERT INTO room_sessions (id, owner_id, is_active, started_at, current_visitors)
		VALUES ($1, $2, TRUE, $3, '[]'::jsonb)
		ON CONFLICT (owner_id) WHERE is_active DO NOTHING
		RETURNING ` + sessionColumns

	s, err := scanSession(db.pool.QueryRow(ctx, query, sessionID, ownerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		s, err = db.GetActiveSession(ctx, ownerID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load active session: %w", err)
		}
		return s, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", err)
	}
	return s, true, nil
}

func (db *PostgresDB) EndSession(ctx context.Context, ownerID string, now time.Time) (*models.Session, []models.Visitor, error) {
	query := `
		WITH prev AS (
			SELECT id, current_visitors FROM room_sessions
			WHERE owner_id = $1 AND is_active
			FOR UPDATE
		)
		UPDATE room_sessions s
		SET is_active = FALSE, ended_at = $2, current_visitors = '[]'::jsonb
		FROM prev
		WHERE s.id = prev.id
		RETURNING s.id, s.owner_id, s.is_active, s.started_at, s.ended_at, s.current_visitors, prev.current_visitors`

	s := &models.Session{}
	var evicted []models.Visitor
	err := db.pool.QueryRow(ctx, query, ownerID, now).Scan(
		&s.ID, &s.OwnerID, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CurrentVisitors, &evicted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to end session: %w", err)
	}
	if s.CurrentVisitors == nil {
		s.CurrentVisitors = []models.Visitor{}
	}
	return s, evicted, nil
}

func (db *PostgresDB) AddVisitor(ctx context.Context, ownerID, visitorID string, now time.Time) (*models.Session, bool, error) {
	appended, err := json.Marshal([]models.Visitor{{UserID: visitorID, EnteredAt: now}})
	if err != nil {
		return nil, false, err
	}

	query := `
		UPDATE room_sessions
		SET current_visitors = current_visitors || $3::jsonb
		WHERE owner_id = $1 AND is_active
		  AND NOT current_visitors @> jsonb_build_array(jsonb_build_object('user_id', $2::text))
		RETURNING ` + sessionColumns

	s, err := scanSession(db.pool.QueryRow(ctx, query, ownerID, visitorID, string(appended)))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.unchangedSession(ctx, ownerID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to add visitor: %w", err)
	}
	return s, true, nil
}

func (db *PostgresDB) RemoveVisitor(ctx context.Context, ownerID, visitorID string) (*models.Session, bool, error) {
	query := `
		UPDATE room_sessions
		SET current_visitors = (
			SELECT COALESCE(jsonb_agg(v ORDER BY ord), '[]'::jsonb)
			FROM jsonb_array_elements(current_visitors) WITH ORDINALITY AS t(v, ord)
			WHERE v->>'user_id' <> $2
		)
		WHERE owner_id = $1 AND is_active
		  AND current_visitors @> jsonb_build_array(jsonb_build_object('user_id', $2::text))
		RETURNING ` + sessionColumns

	s, err := scanSession(db.pool.QueryRow(ctx, query, ownerID, visitorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.unchangedSession(ctx, ownerID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove visitor: %w", err)
	}
	return s, true, nil
}

// unchangedSession distinguishes "no active session" from "nothing to do"
// after a conditional visitor update matched no rows.
func (db *PostgresDB) unchangedSession(ctx context.Context, ownerID string) (*models.Session, bool, error) {
	s, err := db.GetActiveSession(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrNoActiveSession
	}
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

// Knock Repository Implementation
const knockColumns = `id, owner_id, visitor_id, status, created_at, expires_at, responded_at`

func scanKnock(row pgx.Row) (*models.Knock, error) {
	var (
		k      models.Knock
		status string
	)
	if err := row.Scan(&k.ID, &k.OwnerID, &k.VisitorID, &status, &k.CreatedAt, &k.ExpiresAt, &k.RespondedAt); err != nil {
		return nil, err
	}
	k.Status = models.KnockStatus(status)
	return &k, nil
}

func collectKnocks(rows pgx.Rows) ([]*models.Knock, error) {
	defer rows.Close()
	var knocks []*models.Knock
	for rows.Next() {
		k, err := scanKnock(rows)
		if err != nil {
			return nil, err
		}
		knocks = append(knocks, k)
	}
	return knocks, rows.Err()
}

func (db *PostgresDB) CreateKnock(ctx context.Context, k *models.Knock) (*models.Knock, bool, error) {
	insert := `
		INSERT INTO knocks (id, owner_id, visitor_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'PENDING', $4, $5)
		ON CONFLICT (owner_id, visitor_id) WHERE status = 'PENDING' DO NOTHING
		RETURNING ` + knockColumns
	existing := `SELECT ` + knockColumns + ` FROM knocks WHERE owner_id = $1 AND visitor_id = $2 AND status = 'PENDING'`

	// The pending knock we collided with can be resolved before we read it;
	// in that case the insert is simply tried again.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := scanKnock(db.pool.QueryRow(ctx, insert, k.ID, k.OwnerID, k.VisitorID, k.CreatedAt, k.ExpiresAt))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to create knock: %w", err)
		}

		found, err := scanKnock(db.pool.QueryRow(ctx, existing, k.OwnerID, k.VisitorID))
		if err == nil {
			return found, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to load pending knock: %w", err)
		}
	}
	return nil, false, fmt.Errorf("failed to create knock: pending knock for %s/%s kept changing", k.OwnerID, k.VisitorID)
}

func (db *PostgresDB) GetKnock(ctx context.Context, id string) (*models.Knock, error) {
	query := `SELECT ` + knockColumns + ` FROM knocks WHERE id = $1`

	k, err := scanKnock(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

func (db *PostgresDB) ListKnocksForOwner(ctx context.Context, ownerID string, status *models.KnockStatus) ([]*models.Knock, error) {
	return db.listKnocks(ctx, "owner_id", ownerID, status)
}

func (db *PostgresDB) ListKnocksForVisitor(ctx context.Context, visitorID string, status *models.KnockStatus) ([]*models.Knock, error) {
	return db.listKnocks(ctx, "visitor_id", visitorID, status)
}

func (db *PostgresDB) listKnocks(ctx context.Context, column, id string, status *models.KnockStatus) ([]*models.Knock, error) {
	var st *string
	if status != nil {
		s := string(*status)
		st = &s
	}
	query := `
		SELECT ` + knockColumns + ` FROM knocks
		WHERE ` + column + ` = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC`

	rows, err := db.pool.Query(ctx, query, id, st)
	if err != nil {
		return nil, fmt.Errorf("failed to list knocks: %w", err)
	}
	return collectKnocks(rows)
}

func (db *PostgresDB) ResolveKnock(ctx context.Context, id string, status models.KnockStatus, now time.Time) (*models.Knock, error) {
	query := `
		UPDATE knocks SET status = $2, responded_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + knockColumns

	k, err := scanKnock(db.pool.QueryRow(ctx, query, id, string(status), now))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := db.GetKnock(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve knock: %w", err)
	}
	return k, nil
}

func (db *PostgresDB) ExpireKnocks(ctx context.Context, now time.Time) ([]*models.Knock, error) {
	query := `
		UPDATE knocks SET status = 'EXPIRED', responded_at = $1
		WHERE status = 'PENDING' AND expires_at <= $1
		RETURNING ` + knockColumns

	rows, err := db.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire knocks: %w", err)
	}
	return collectKnocks(rows)
}

// Highlight Repository Implementation
func (db *PostgresDB) InsertHighlight(ctx context.Context, h *models.Highlight) error {
	metadata := h.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	query := `
		INSERT INTO highlights (id, owner_id, event_type, visitor_id, session_id, metadata, title, description, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9)`

	_, err := db.pool.Exec(ctx, query, h.ID, h.OwnerID, string(h.EventType), h.VisitorID, h.SessionID,
		metadata, h.Title, h.Description, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert highlight: %w", err)
	}
	return nil
}

func highlightWhere(q models.HighlightQuery) (string, []any) {
	where := []string{"owner_id = $1"}
	args := []any{q.OwnerID}
	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if len(q.ExcludeTypes) > 0 {
		types := make([]string, len(q.ExcludeTypes))
		for i, t := range q.ExcludeTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("event_type <> ALL($%d)", len(args)))
	}
	if q.VisitorID != "" {
		args = append(args, q.VisitorID)
		where = append(where, fmt.Sprintf("visitor_id = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (db *PostgresDB) ListHighlights(ctx context.Context, q models.HighlightQuery) ([]*models.Highlight, error) {
	where, args := highlightWhere(q)
	query := `
		SELECT id, owner_id, event_type, COALESCE(visitor_id, ''), COALESCE(session_id, ''),
		       metadata, COALESCE(title, ''), COALESCE(description, ''), created_at
		FROM highlights
		WHERE ` + where + `
		ORDER BY created_at DESC, seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Skip > 0 {
		args = append(args, q.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list highlights: %w", err)
	}
	defer rows.Close()

	highlights := []*models.Highlight{}
	for rows.Next() {
		h := &models.Highlight{}
		var eventType string
		if err := rows.Scan(&h.ID, &h.OwnerID, &eventType, &h.VisitorID, &h.SessionID,
			&h.Metadata, &h.Title, &h.Description, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.EventType = models.HighlightType(eventType)
		highlights = append(highlights, h)
	}
	return highlights, rows.Err()
}

func (db *PostgresDB) CountHighlights(ctx context.Context, q models.HighlightQuery) (int, error) {
	where, args := highlightWhere(q)
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM highlights WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count highlights: %w", err)
	}
	return count, nil
}

func (db *PostgresDB) DeleteHighlightsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM highlights WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune highlights: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Tier Repository Implementation
func (db *PostgresDB) GetTier(ctx context.Context, ownerID, viewerID string) (models.Tier, error) {
	var tier string
	err := db.pool.QueryRow(ctx,
		`SELECT tier FROM trust_tiers WHERE owner_id = $1 AND viewer_id = $2`, ownerID, viewerID,
	).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TierOthers, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load trust tier: %w", err)
	}
	return models.ParseTier(tier)
}

func (db *PostgresDB) SetTier(ctx context.Context, ownerID, viewerID string, tier models.Tier) error {
	query := `
		INSERT INTO trust_tiers (owner_id, viewer_id, tier) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, viewer_id) DO UPDATE SET tier = EXCLUDED.tier`

	_, err := db.pool.Exec(ctx, query, ownerID, viewerID, string(tier))
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
