package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"room-engine/internal/database"
	"room-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// published is one push: a room broadcast when ownerID is set, a direct
// send to toUser otherwise.
type published struct {
	ownerID   string
	event     models.OutboundEvent
	alsoUsers []string
	toUser    string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	subs   map[string]map[string]bool
}

func (p *recordingPublisher) Broadcast(ownerID string, event models.OutboundEvent, alsoUsers ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{ownerID: ownerID, event: event, alsoUsers: alsoUsers})
	return 1
}

func (p *recordingPublisher) SendToUser(userID string, event models.OutboundEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: event, toUser: userID})
	return 1
}

func (p *recordingPublisher) subscribe(ownerID string, users ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[string]map[string]bool)
	}
	if p.subs[ownerID] == nil {
		p.subs[ownerID] = make(map[string]bool)
	}
	for _, u := range users {
		p.subs[ownerID][u] = true
	}
}

func (p *recordingPublisher) SubscribedUsers(ownerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var users []string
	for u := range p.subs[ownerID] {
		users = append(users, u)
	}
	return users
}

func (p *recordingPublisher) LeaveUser(ownerID, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.subs[ownerID][userID] {
		return 0
	}
	delete(p.subs[ownerID], userID)
	return 1
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type harness struct {
	svc   *Services
	db    *database.MemoryDB
	clock *fakeClock
	pub   *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := database.NewMemoryDB()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	svc := New(Deps{
		DB:          db,
		Publisher:   pub,
		Now:         clock.Now,
		MinimumTier: models.TierCool,
		KnockTTL:    5 * time.Minute,
		MaxKnockTTL: time.Hour,
		Retention:   24 * time.Hour,
	})
	return &harness{svc: svc, db: db, clock: clock, pub: pub}
}

// eventTypes returns ownerID's highlight types oldest first.
func (h *harness) eventTypes(t *testing.T, ownerID string) []models.HighlightType {
	t.Helper()
	list, err := h.db.ListHighlights(context.Background(), models.FilterAll.Query(ownerID, ownerID))
	require.NoError(t, err)
	out := make([]models.HighlightType, len(list))
	for i, hl := range list {
		out[len(list)-1-i] = hl.EventType
	}
	return out
}

func (h *harness) countType(t *testing.T, ownerID string, typ models.HighlightType) int {
	n := 0
	for _, et := range h.eventTypes(t, ownerID) {
		if et == typ {
			n++
		}
	}
	return n
}

func TestEnterRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	second, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []models.HighlightType{models.HighlightSessionStarted}, h.eventTypes(t, "alice"))
}

func TestConcurrentEnterStartsOneSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
			assert.NoError(t, err)
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.countType(t, "alice", models.HighlightSessionStarted))
}

func TestExitRoomEvictsEveryone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "bob", models.TierPeoples))
	require.NoError(t, h.db.SetTier(ctx, "alice", "carol", models.TierCool))

	_, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	_, err = h.svc.Sessions.Visit(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = h.svc.Sessions.Visit(ctx, "alice", "carol")
	require.NoError(t, err)

	count, err := h.svc.Sessions.GetVisitorCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ended, err := h.svc.Sessions.ExitRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.Empty(t, ended.CurrentVisitors)

	in, err := h.svc.Sessions.IsVisitorInRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, in)

	assert.Equal(t, []models.HighlightType{
		models.HighlightSessionStarted,
		models.HighlightVisitorEntered,
		models.HighlightVisitorEntered,
		models.HighlightVisitorLeft,
		models.HighlightVisitorLeft,
		models.HighlightSessionEnded,
	}, h.eventTypes(t, "alice"))

	_, err = h.svc.Sessions.ExitRoom(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOwnerOnlyMutations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Rooms.LockDoors(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.svc.Sessions.EnterRoom(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.svc.Rooms.AddToAccessList(ctx, "alice", "bob", "bob", models.DecisionAllow)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.svc.Highlights.CreateSpecialMoment(ctx, "alice", "bob", "hi", "")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.svc.Knocks.GetKnocksForOwner(ctx, "alice", "bob", nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	assert.Empty(t, h.eventTypes(t, "alice"))
}

func TestDoorHighlightsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	room, err := h.svc.Rooms.UnlockDoors(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DoorUnlocked, room.DoorState)
	assert.Empty(t, h.eventTypes(t, "alice"), "already unlocked")

	room, err = h.svc.Rooms.LockDoors(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DoorLocked, room.DoorState)
	_, err = h.svc.Rooms.LockDoors(ctx, "alice", "alice")
	require.NoError(t, err)

	assert.Equal(t, []models.HighlightType{models.HighlightDoorLocked}, h.eventTypes(t, "alice"))
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Rooms.UpdateSettings(ctx, "alice", "alice", models.SettingsPatch{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "settings")

	bogus := models.AccessMode("EVERYONE")
	_, err = h.svc.Rooms.UpdateSettings(ctx, "alice", "alice", models.SettingsPatch{AccessMode: &bogus})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "access_mode")

	mode := models.AccessAllowlistOnly
	door := models.DoorLocked
	room, err := h.svc.Rooms.UpdateSettings(ctx, "alice", "alice", models.SettingsPatch{AccessMode: &mode, DoorState: &door})
	require.NoError(t, err)
	assert.Equal(t, models.AccessAllowlistOnly, room.AccessMode)
	assert.Equal(t, models.DoorLocked, room.DoorState)
	assert.Equal(t, []models.HighlightType{models.HighlightDoorLocked, models.HighlightSettingsUpdated}, h.eventTypes(t, "alice"))

	_, err = h.svc.Rooms.UpdateSettings(ctx, "alice", "alice", models.SettingsPatch{AccessMode: &mode})
	require.NoError(t, err)
	assert.Len(t, h.eventTypes(t, "alice"), 2, "unchanged settings record nothing")
}

func TestAccessListEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Rooms.AddToAccessList(ctx, "alice", "alice", "alice", models.DecisionAllow)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.svc.Rooms.AddToAccessList(ctx, "alice", "alice", "bob", models.DecisionAllow)
	require.NoError(t, err)
	room, err := h.svc.Rooms.AddToAccessList(ctx, "alice", "alice", "bob", models.DecisionDeny)
	require.NoError(t, err)
	require.Len(t, room.AccessList, 1)
	assert.Equal(t, models.DecisionDeny, room.AccessList[0].Decision)

	room, err = h.svc.Rooms.RemoveFromAccessList(ctx, "alice", "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, room.AccessList)
	_, err = h.svc.Rooms.RemoveFromAccessList(ctx, "alice", "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, 3, h.countType(t, "alice", models.HighlightAccessListUpdated))
}

func TestAccessListChangesStayWithTheOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "friend", models.TierCool))

	_, err := h.svc.Rooms.AddToAccessList(ctx, "alice", "alice", "bob", models.DecisionDeny)
	require.NoError(t, err)

	page, err := h.svc.Highlights.GetHighlights(ctx, "alice", "friend", models.FilterAll, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Highlights)
	count, err := h.svc.Highlights.GetHighlightCount(ctx, "alice", "friend", models.FilterAll)
	require.NoError(t, err)
	assert.Zero(t, count)

	page, err = h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterAll, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Highlights, 1)
	assert.Equal(t, "bob", page.Highlights[0].VisitorID)

	events := h.pub.all()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ownerID, "never broadcast to the room")
	assert.Equal(t, "alice", events[0].toUser)
}

func TestAccessChangesRevokeLiveViewers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "friend", models.TierCool))
	require.NoError(t, h.db.SetTier(ctx, "alice", "bob", models.TierCool))
	h.pub.subscribe("alice", "alice", "friend", "bob")

	_, err := h.svc.Rooms.AddToAccessList(ctx, "alice", "alice", "bob", models.DecisionDeny)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "friend"}, h.pub.SubscribedUsers("alice"))

	var notified []string
	for _, ev := range h.pub.all() {
		if left, ok := ev.event.(models.LeftEvent); ok {
			assert.Equal(t, "alice", left.OwnerID)
			notified = append(notified, ev.toUser)
		}
	}
	assert.Equal(t, []string{"bob"}, notified)

	mode := models.AccessAllowlistOnly
	_, err = h.svc.Rooms.UpdateSettings(ctx, "alice", "alice", models.SettingsPatch{AccessMode: &mode})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, h.pub.SubscribedUsers("alice"), "the owner always keeps their own room")

	n, err := h.svc.Highlights.RevokeViewers(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetRoomRespectsViewPermission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "friend", models.TierCool))

	_, err := h.svc.Rooms.GetRoom(ctx, "alice", "friend")
	require.NoError(t, err)
	_, err = h.svc.Rooms.GetRoom(ctx, "alice", "stranger")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	check, err := h.svc.Rooms.CheckAccess(ctx, "alice", "stranger")
	require.NoError(t, err)
	assert.False(t, check.CanView)
	assert.Equal(t, "tier_not_met", check.Reason)
}

// Allowlist room, listed guest walks in, unlisted guest knocks and is approved,
// owner leaves and everyone is evicted.
func TestAllowlistKnockAndExitScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rooms, sessions, knocks := h.svc.Rooms, h.svc.Sessions, h.svc.Knocks

	mode := models.AccessAllowlistOnly
	_, err := rooms.UpdateSettings(ctx, "A", "A", models.SettingsPatch{AccessMode: &mode})
	require.NoError(t, err)
	_, err = rooms.AddToAccessList(ctx, "A", "A", "B", models.DecisionAllow)
	require.NoError(t, err)

	_, err = sessions.Visit(ctx, "A", "B")
	assert.ErrorIs(t, err, ErrNotFound, "no session yet")

	_, err = sessions.EnterRoom(ctx, "A", "A")
	require.NoError(t, err)
	_, err = sessions.Visit(ctx, "A", "B")
	require.NoError(t, err)

	_, err = sessions.Visit(ctx, "A", "C")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	knock, created, err := knocks.CreateKnock(ctx, "A", "C", 0)
	require.NoError(t, err)
	assert.True(t, created)

	res, err := knocks.RespondToKnock(ctx, knock.ID, models.KnockApprove, "A")
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, models.KnockApproved, res.Knock.Status)

	in, err := sessions.IsVisitorInRoom(ctx, "A", "C")
	require.NoError(t, err)
	assert.True(t, in)

	ended, err := sessions.ExitRoom(ctx, "A", "A")
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.Empty(t, ended.CurrentVisitors)

	in, err = sessions.IsVisitorInRoom(ctx, "A", "C")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestOwnerRemovesVisitor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "bob", models.TierPeoples))

	_, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	_, added, err := h.svc.Sessions.AddVisitor(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, added)
	_, added, err = h.svc.Sessions.AddVisitor(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, added, "already inside")

	_, err = h.svc.Sessions.EjectVisitor(ctx, "alice", "bob", "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	session, err := h.svc.Sessions.EjectVisitor(ctx, "alice", "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, session.CurrentVisitors)

	page, err := h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterVisitors, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Highlights, 2)
	assert.Equal(t, models.HighlightVisitorLeft, page.Highlights[0].EventType)
	assert.Equal(t, LeftReasonRemoved, page.Highlights[0].Metadata["reason"])

	_, removed, err := h.svc.Sessions.RemoveVisitor(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 1, h.countType(t, "alice", models.HighlightVisitorLeft), "removing an absent visitor records nothing")
}

func TestKnockDedupe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, created, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.countType(t, "alice", models.HighlightKnockCreated))
}

func TestKnockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	knock, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 60*time.Second)
	require.NoError(t, err)

	h.clock.Advance(61 * time.Second)
	h.svc.Sweeper.RunOnce(ctx)

	stored, err := h.svc.Knocks.GetKnock(ctx, knock.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, models.KnockExpired, stored.Status)

	_, err = h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockApprove, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.countType(t, "alice", models.HighlightKnockExpired))

	n, err := h.svc.Knocks.ExpireOldKnocks(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "sweeping again is a no-op")
}

func TestLockedDoorStopsVisit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "bob", models.TierPeoples))
	_, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := h.svc.Rooms.LockDoors(ctx, "alice", "alice")
		assert.NoError(t, err)
	}()
	var visitErr error
	go func() {
		defer wg.Done()
		_, visitErr = h.svc.Sessions.Visit(ctx, "alice", "bob")
	}()
	wg.Wait()

	in, err := h.svc.Sessions.IsVisitorInRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	if visitErr != nil {
		assert.ErrorIs(t, visitErr, ErrPermissionDenied)
		assert.False(t, in)
		return
	}
	assert.True(t, in)
	types := h.eventTypes(t, "alice")
	assert.Equal(t, models.HighlightVisitorEntered, types[1], "admitted before the door closed")
	assert.Equal(t, models.HighlightDoorLocked, types[2])
}

func TestRespondTwiceFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	knock, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 0)
	require.NoError(t, err)

	_, err = h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockDeny, "dave")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	res, err := h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockDeny, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.KnockDenied, res.Knock.Status)
	assert.False(t, res.Admitted)

	_, err = h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockApprove, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Knocks.RespondToKnock(ctx, "missing", models.KnockApprove, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveWithoutSessionAdmitsNobody(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	knock, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 0)
	require.NoError(t, err)
	res, err := h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.KnockApproved, res.Knock.Status)
	assert.False(t, res.Admitted)
	assert.Zero(t, h.countType(t, "alice", models.HighlightVisitorEntered))
}

func TestKnockValidationAndBlocking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "ex", models.TierBlocked))

	_, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "ex", 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	var verr *ValidationError
	_, _, err = h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 2*time.Hour)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "ttl")
	_, _, err = h.svc.Knocks.CreateKnock(ctx, "alice", "alice", 0)
	require.ErrorAs(t, err, &verr)
}

func TestStalePendingKnockIsReplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	old, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", time.Minute)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	fresh, created, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, fresh.ID)

	stored, err := h.svc.Knocks.GetKnock(ctx, old.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.KnockExpired, stored.Status)

	pending := models.KnockPending
	list, err := h.svc.Knocks.GetKnocksForOwner(ctx, "alice", "alice", &pending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
}

func TestRespondToStaleKnockExpiresIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	knock, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", time.Minute)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	_, err = h.svc.Knocks.RespondToKnock(ctx, knock.ID, models.KnockApprove, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	mine, err := h.svc.Knocks.GetKnocksForVisitor(ctx, "dave", nil)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, models.KnockExpired, mine[0].Status)
}

func TestHighlightsRequireViewPermission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "friend", models.TierCool))

	_, err := h.svc.Highlights.GetHighlights(ctx, "alice", "stranger", models.FilterAll, 0, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied, "no access is not the same as no events")

	page, err := h.svc.Highlights.GetHighlights(ctx, "alice", "friend", models.FilterAll, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Highlights)
	assert.Equal(t, DefaultHighlightLimit, page.Limit)

	_, err = h.svc.Highlights.GetHighlightCount(ctx, "alice", "stranger", models.FilterAll)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestHighlightFiltersAndPaging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.SetTier(ctx, "alice", "bob", models.TierPeoples))

	_, err := h.svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.Sessions.Visit(ctx, "alice", "bob")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, _, err = h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 0)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.Sessions.Leave(ctx, "alice", "bob")
	require.NoError(t, err)

	page, err := h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterVisitors, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Highlights, 2)
	assert.Equal(t, models.HighlightVisitorLeft, page.Highlights[0].EventType, "newest first")

	page, err = h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterKnocks, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = h.svc.Highlights.GetHighlights(ctx, "alice", "bob", models.FilterMyActivity, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, hl := range page.Highlights {
		assert.Equal(t, "bob", hl.VisitorID)
	}

	page, err = h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterAll, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Highlights, 1)
	assert.Equal(t, models.HighlightKnockCreated, page.Highlights[0].EventType)

	_, err = h.svc.Highlights.GetHighlights(ctx, "alice", "alice", models.FilterAll, 500, -1)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "limit")
	assert.Contains(t, verr.FieldErrors, "skip")
}

func TestSpecialMoment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var verr *ValidationError
	_, err := h.svc.Highlights.CreateSpecialMoment(ctx, "alice", "alice", "   ", "")
	require.ErrorAs(t, err, &verr)

	hl, err := h.svc.Highlights.CreateSpecialMoment(ctx, "alice", "alice", "Housewarming", "first party")
	require.NoError(t, err)
	assert.Equal(t, models.HighlightSpecialMoment, hl.EventType)
	assert.NotEmpty(t, hl.ID)
	assert.Equal(t, h.clock.Now(), hl.CreatedAt)
}

func TestPruneRespectsRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Highlights.CreateSpecialMoment(ctx, "alice", "alice", "old", "")
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.Highlights.CreateSpecialMoment(ctx, "alice", "alice", "new", "")
	require.NoError(t, err)

	n, err := h.svc.Highlights.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, h.eventTypes(t, "alice"), 1)
}

func TestHighlightsAreBroadcastAfterRecording(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	knock, _, err := h.svc.Knocks.CreateKnock(ctx, "alice", "dave", 0)
	require.NoError(t, err)

	events := h.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].ownerID)
	assert.Equal(t, []string{"dave"}, events[0].alsoUsers, "the knocker hears about their own knock")

	ev, ok := events[0].event.(models.HighlightEvent)
	require.True(t, ok)
	assert.Equal(t, models.HighlightKnockCreated, ev.Highlight.EventType)
	assert.Equal(t, knock.ID, ev.Highlight.Metadata["knock_id"])

	stored, err := h.db.ListHighlights(ctx, models.FilterKnocks.Query("alice", ""))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, ev.Highlight.ID)
}

// flakyDoors fails the first SetDoorState call.
type flakyDoors struct {
	*database.MemoryDB
	calls int
}

func (f *flakyDoors) SetDoorState(ctx context.Context, ownerID string, state models.DoorState, now time.Time) (*models.Room, bool, error) {
	f.calls++
	if f.calls == 1 {
		return nil, false, errors.New("connection reset")
	}
	return f.MemoryDB.SetDoorState(ctx, ownerID, state, now)
}

// flakyTimeline fails the first visitor_left write.
type flakyTimeline struct {
	*database.MemoryDB
	failed bool
}

func (f *flakyTimeline) InsertHighlight(ctx context.Context, hl *models.Highlight) error {
	if hl.EventType == models.HighlightVisitorLeft && !f.failed {
		f.failed = true
		return errors.New("disk full")
	}
	return f.MemoryDB.InsertHighlight(ctx, hl)
}

func TestExitRoomRecordsSessionEndDespiteFailedEviction(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyTimeline{MemoryDB: database.NewMemoryDB()}
	svc := New(Deps{DB: flaky})
	require.NoError(t, flaky.SetTier(ctx, "alice", "bob", models.TierPeoples))
	require.NoError(t, flaky.SetTier(ctx, "alice", "carol", models.TierPeoples))

	_, err := svc.Sessions.EnterRoom(ctx, "alice", "alice")
	require.NoError(t, err)
	_, err = svc.Sessions.Visit(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = svc.Sessions.Visit(ctx, "alice", "carol")
	require.NoError(t, err)

	_, err = svc.Sessions.ExitRoom(ctx, "alice", "alice")
	require.Error(t, err)
	assert.Equal(t, KindInternal, ErrorKind(err))

	_, err = svc.Sessions.GetActiveSession(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound, "the session ended anyway")

	left, err := flaky.CountHighlights(ctx, models.HighlightQuery{OwnerID: "alice", EventTypes: []models.HighlightType{models.HighlightVisitorLeft}})
	require.NoError(t, err)
	assert.Equal(t, 1, left, "the other eviction is still recorded")
	ended, err := flaky.CountHighlights(ctx, models.HighlightQuery{OwnerID: "alice", EventTypes: []models.HighlightType{models.HighlightSessionEnded}})
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
}

func TestLockDoorsRetriesOnce(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyDoors{MemoryDB: database.NewMemoryDB()}
	svc := New(Deps{DB: flaky})

	room, err := svc.Rooms.LockDoors(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DoorLocked, room.DoorState)
	assert.Equal(t, 2, flaky.calls)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindPermissionDenied, ErrorKind(ErrPermissionDenied))
	assert.Equal(t, KindNotFound, ErrorKind(noActiveSession("alice")))
	assert.Equal(t, KindNotFound, ErrorKind(database.ErrNotFound))
	assert.Equal(t, KindInvalidTransition, ErrorKind(ErrInvalidTransition))
	assert.Equal(t, KindValidation, ErrorKind(invalid("ttl", "too long")))
	assert.Equal(t, KindInternal, ErrorKind(errors.New("boom")))
	assert.Equal(t, "", ErrorKind(nil))
}

func TestOwnerLocksAreReleased(t *testing.T) {
	locks := newOwnerLocks()
	unlock := locks.lock("alice")
	assert.Equal(t, 1, locks.size())
	unlock()
	assert.Zero(t, locks.size())
}
