package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convene/internal/calendar"
	"convene/internal/clock"
	"convene/internal/credentials"
	"convene/internal/models"
	"convene/internal/store/sqlite"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	now  = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	slot = models.NewSlot(time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC), time.Hour)
)

type tokens struct {
	errs map[string]error
}

func (f *tokens) AccessToken(_ context.Context, userID string, _ credentials.ScopeProfile) (calendar.Credential, error) {
	if err := f.errs[userID]; err != nil {
		return calendar.Credential{}, err
	}
	return calendar.Credential{
		UserID:      userID,
		Provider:    calendar.ProviderGoogle,
		AccessToken: "tok-" + userID,
		Scopes:      []string{credentials.ScopeCalendar},
	}, nil
}

type deleteCall struct {
	id     string
	notify []string
}

// recordingGateway records writes and returns configured errors.
type recordingGateway struct {
	mu        sync.Mutex
	nextID    int
	created   []calendar.EventPayload
	updated   map[string]calendar.EventPayload
	deleted   []deleteCall
	createErr error
	updateErr error
	deleteErr error
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{updated: map[string]calendar.EventPayload{}}
}

func (g *recordingGateway) BusyPeriods(context.Context, calendar.Credential, models.TimeSlot) ([]models.TimeSlot, error) {
	return nil, nil
}

func (g *recordingGateway) CreateEvent(_ context.Context, _ calendar.Credential, ev calendar.EventPayload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextID++
	g.created = append(g.created, ev)
	return fmt.Sprintf("gcal-%d", g.nextID), nil
}

func (g *recordingGateway) UpdateEvent(_ context.Context, _ calendar.Credential, id string, ev calendar.EventPayload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return g.updateErr
	}
	g.updated[id] = ev
	return nil
}

func (g *recordingGateway) DeleteEvent(_ context.Context, _ calendar.Credential, id string, notify []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, deleteCall{id: id, notify: notify})
	return g.deleteErr
}

// flakyStore fails event updates a number of times.
type flakyStore struct {
	*sqlite.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) UpdateEvent(ctx context.Context, e *models.Event) error {
	s.mu.Lock()
	s.attempts++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Store.UpdateEvent(ctx, e)
}

type env struct {
	store     *flakyStore
	tokens    *tokens
	gateway   *recordingGateway
	clock     *clock.Manual
	committer *Committer
	planner   *Planner
	eventID   string
}

// newEnv creates alice (owner) with connected contacts bob and carol, and a
// pending 60 minute event inviting both.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), discard)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	fs := &flakyStore{Store: s}

	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, s.CreateUser(ctx, &models.User{ID: "usr-" + u, Email: u + "@example.com", CreatedAt: now}))
	}
	for _, u := range []string{"bob", "carol"} {
		require.NoError(t, s.CreateContact(ctx, &models.Contact{
			ID: "con-" + u, OwnerID: "usr-alice", Email: u + "@example.com", ContactUserID: "usr-" + u,
			OwnerStatus: models.ContactConnected, ContactStatus: models.ContactConnected,
			CreatedAt: now, UpdatedAt: now,
		}))
	}
	// dave was invited but never accepted.
	require.NoError(t, s.CreateContact(ctx, &models.Contact{
		ID: "con-dave", OwnerID: "usr-alice", Email: "dave@example.com",
		OwnerStatus: models.ContactConnected, ContactStatus: models.ContactPending,
		CreatedAt: now, UpdatedAt: now,
	}))

	e := &env{
		store:   fs,
		tokens:  &tokens{errs: map[string]error{}},
		gateway: newRecordingGateway(),
		clock:   clock.NewManual(now),
	}
	stage := credentials.NewStage(e.tokens, nil, discard, 0)
	e.committer = NewCommitter(fs, stage, e.gateway, e.clock, RetryPolicy{Attempts: 3, Interval: time.Millisecond}, discard)
	e.planner = NewPlanner(fs, e.committer, e.clock, discard)

	view, err := e.planner.Create(ctx, "usr-alice", CreateInput{
		Title:      "Planning",
		Location:   models.LocationMeet,
		Duration:   60,
		ContactIDs: []string{"con-bob", "con-carol"},
	})
	require.NoError(t, err)
	e.eventID = view.Event.ID
	return e
}

func (e *env) event(t *testing.T) *models.Event {
	t.Helper()
	ev, err := e.store.GetEvent(context.Background(), e.eventID)
	require.NoError(t, err)
	return ev
}

func TestConfirmCreatesExternalEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)
	assert.Equal(t, "gcal-1", res.ProviderEventID)
	assert.False(t, res.Updated)

	require.Len(t, e.gateway.created, 1)
	payload := e.gateway.created[0]
	assert.Equal(t, e.eventID, payload.InternalID)
	assert.Equal(t, "alice@example.com", payload.Organizer)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, payload.Attendees)
	assert.True(t, payload.Slot.Equal(slot))

	ev := e.event(t)
	assert.Equal(t, models.EventConfirmed, ev.Status)
	assert.Equal(t, "gcal-1", ev.ProviderEventID)
	require.NotNil(t, ev.Selected)
	assert.True(t, ev.Selected.Equal(slot))
}

func TestConfirmLeavesEventPendingWhenCreateFails(t *testing.T) {
	e := newEnv(t)
	e.gateway.createErr = calendar.NewError(calendar.KindProviderUnavailable, calendar.OpCreate, "usr-alice", "503", nil)

	res, err := e.committer.Confirm(context.Background(), e.eventID, slot)
	assert.Nil(t, res)

	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpCreate, cerr.Op)
	assert.ErrorIs(t, err, calendar.ErrProviderUnavailable)

	ev := e.event(t)
	assert.Equal(t, models.EventPending, ev.Status)
	assert.Empty(t, ev.ProviderEventID)
	assert.Nil(t, ev.Selected)
}

func TestReconfirmUpdatesInsteadOfDuplicating(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	moved := models.NewSlot(slot.Start.Add(24*time.Hour), time.Hour)
	res, err := e.committer.Confirm(ctx, e.eventID, moved)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "gcal-1", res.ProviderEventID)

	assert.Len(t, e.gateway.created, 1)
	require.Contains(t, e.gateway.updated, "gcal-1")
	assert.True(t, e.gateway.updated["gcal-1"].Slot.Equal(moved))

	ev := e.event(t)
	assert.True(t, ev.Selected.Equal(moved))
	assert.Equal(t, "gcal-1", ev.ProviderEventID)
}

func TestReconfirmRecreatesMissingExternalEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	e.gateway.updateErr = calendar.NewError(calendar.KindNotFound, calendar.OpUpdate, "usr-alice", "gone", nil)
	res, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, "gcal-2", res.ProviderEventID)
	assert.Equal(t, "gcal-2", e.event(t).ProviderEventID)
}

func TestConfirmRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.committer.Confirm(ctx, e.eventID, models.NewSlot(slot.Start, 30*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidSlot)

	_, err = e.committer.Cancel(ctx, e.eventID)
	require.NoError(t, err)
	_, err = e.committer.Confirm(ctx, e.eventID, slot)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, e.gateway.created)
}

func TestConfirmNeedsOrganizerCredential(t *testing.T) {
	e := newEnv(t)
	e.tokens.errs["usr-alice"] = calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, "", "revoked", nil)

	_, err := e.committer.Confirm(context.Background(), e.eventID, slot)
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpCredential, cerr.Op)
	assert.ErrorIs(t, err, calendar.ErrUnauthorized)
	assert.Empty(t, e.gateway.created)
}

func TestConfirmRetriesPersistence(t *testing.T) {
	e := newEnv(t)
	e.store.failures = 2

	res, err := e.committer.Confirm(context.Background(), e.eventID, slot)
	require.NoError(t, err)
	assert.Equal(t, 3, e.store.attempts)
	assert.Equal(t, res.ProviderEventID, e.event(t).ProviderEventID)
	assert.Empty(t, e.gateway.deleted)
}

func TestConfirmCompensatesWhenPersistenceFails(t *testing.T) {
	e := newEnv(t)
	e.store.failures = 10

	_, err := e.committer.Confirm(context.Background(), e.eventID, slot)
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpPersist, cerr.Op)
	assert.True(t, cerr.Compensated)
	assert.Equal(t, 3, e.store.attempts)

	require.Len(t, e.gateway.deleted, 1)
	assert.Equal(t, "gcal-1", e.gateway.deleted[0].id)
	assert.Equal(t, models.EventPending, e.event(t).Status)
}

func TestConfirmSkipsDeclinedAttendees(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.planner.Respond(ctx, "usr-carol", e.eventID, "con-carol", models.ParticipantDeclined))

	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, e.gateway.created[0].Attendees)
}

func TestCancelNotifiesAcceptedOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.planner.Respond(ctx, "usr-bob", e.eventID, "con-bob", models.ParticipantAccepted))
	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	res, err := e.committer.Cancel(ctx, e.eventID)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "cancelled", res.Status)

	require.Len(t, e.gateway.deleted, 1)
	assert.Equal(t, deleteCall{id: "gcal-1", notify: []string{"bob@example.com"}}, e.gateway.deleted[0])

	ev := e.event(t)
	assert.Equal(t, models.EventCancelled, ev.Status)
	assert.Nil(t, ev.Selected)
	assert.Empty(t, ev.ProviderEventID)
}

func TestDeleteProceedsDespiteExternalFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	e.gateway.deleteErr = calendar.NewError(calendar.KindProviderUnavailable, calendar.OpDelete, "usr-alice", "timeout", nil)
	res, err := e.committer.Delete(ctx, e.eventID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, OpDelete, res.Warnings[0].Op)
	assert.Equal(t, calendar.KindProviderUnavailable, res.Warnings[0].Kind)

	_, err = e.store.GetEvent(ctx, e.eventID)
	assert.Error(t, err)
	ps, err := e.store.ListParticipants(ctx, e.eventID)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestDeleteWithoutOrganizerCredentialWarns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	e.tokens.errs["usr-alice"] = calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, "", "revoked", nil)
	res, err := e.committer.Cancel(ctx, e.eventID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, OpCredential, res.Warnings[0].Op)
	assert.Empty(t, e.gateway.deleted)
	assert.Equal(t, models.EventCancelled, e.event(t).Status)
}

func TestArchiveKeepsPastMeetingsOnCalendars(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	e.clock.Advance(7 * 24 * time.Hour)
	res, err := e.committer.Archive(ctx, e.eventID)
	require.NoError(t, err)
	assert.Equal(t, "archived", res.Status)
	assert.Empty(t, e.gateway.deleted)
	assert.Equal(t, models.EventArchived, e.event(t).Status)

	// Archiving twice is a no-op, and archived events cannot be cancelled.
	_, err = e.committer.Archive(ctx, e.eventID)
	require.NoError(t, err)
	_, err = e.committer.Cancel(ctx, e.eventID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPendingEventReleaseSkipsCalendar(t *testing.T) {
	e := newEnv(t)
	res, err := e.committer.Cancel(context.Background(), e.eventID)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, e.gateway.deleted)
}

func TestPlannerCreateValidatesInvitees(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.planner.Create(ctx, "usr-alice", CreateInput{Title: "x", Duration: 30, ContactIDs: []string{"con-dave"}})
	assert.ErrorIs(t, err, ErrInvalidInvitee)

	_, err = e.planner.Create(ctx, "usr-alice", CreateInput{Title: "x", Duration: 30, ContactIDs: []string{"con-nope"}})
	assert.ErrorIs(t, err, ErrInvalidInvitee)

	// bob can invite alice back through the same relationship.
	view, err := e.planner.Create(ctx, "usr-bob", CreateInput{Title: "Return", Duration: 30, ContactIDs: []string{"con-bob"}})
	require.NoError(t, err)
	require.Len(t, view.Participants, 1)
	assert.Equal(t, "usr-alice", view.Participants[0].UserID)
	assert.Equal(t, "alice@example.com", view.Participants[0].Email)

	_, err = e.planner.Create(ctx, "usr-alice", CreateInput{Title: "x", Duration: 25})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestPlannerAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.planner.Get(ctx, "usr-bob", e.eventID)
	require.NoError(t, err)
	_, err = e.planner.Get(ctx, "usr-dave", e.eventID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.planner.Authorize(ctx, "usr-bob", e.eventID)
	assert.ErrorIs(t, err, ErrForbidden)

	err = e.planner.Respond(ctx, "usr-bob", e.eventID, "con-carol", models.ParticipantAccepted)
	assert.ErrorIs(t, err, ErrForbidden)
	err = e.planner.Respond(ctx, "usr-bob", e.eventID, "con-bob", models.ParticipantPending)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPlannerEditSyncsConfirmedEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.committer.Confirm(ctx, e.eventID, slot)
	require.NoError(t, err)

	title := "Quarterly planning"
	view, warnings, err := e.planner.Edit(ctx, "usr-alice", e.eventID, EditInput{Title: &title})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, title, view.Event.Title)
	require.Contains(t, e.gateway.updated, "gcal-1")
	assert.Equal(t, title, e.gateway.updated["gcal-1"].Title)

	e.gateway.updateErr = calendar.NewError(calendar.KindProviderUnavailable, calendar.OpUpdate, "usr-alice", "503", nil)
	desc := "bring numbers"
	view, warnings, err = e.planner.Edit(ctx, "usr-alice", e.eventID, EditInput{Description: &desc})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, desc, view.Event.Description)
}
