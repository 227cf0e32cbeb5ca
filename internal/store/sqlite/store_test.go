package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convene/internal/models"
	"convene/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *Store, id, email string) *models.User {
	t.Helper()
	u := &models.User{ID: id, Email: email, DisplayName: id, CreatedAt: baseTime}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedContact(t *testing.T, s *Store, id, ownerID, email, userID string) *models.Contact {
	t.Helper()
	c := &models.Contact{
		ID:            id,
		OwnerID:       ownerID,
		Email:         email,
		ContactUserID: userID,
		OwnerStatus:   models.ContactConnected,
		ContactStatus: models.ContactConnected,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
	require.NoError(t, s.CreateContact(context.Background(), c))
	return c
}

func pendingEvent(id, ownerID string) *models.Event {
	return &models.Event{
		ID:        id,
		OwnerID:   ownerID,
		Title:     "Planning",
		Location:  models.LocationMeet,
		Duration:  60,
		Status:    models.EventPending,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "usr-alice", "Alice@Example.com")

	got, err := s.GetUser(ctx, "usr-alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.com", got.Email)
	assert.True(t, got.CreatedAt.Equal(baseTime))

	got, err = s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "usr-alice", got.ID)

	err = s.CreateUser(ctx, &models.User{ID: "usr-other", Email: "ALICE@example.com", CreatedAt: baseTime})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = s.GetUser(ctx, "usr-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestContactsLookedUpFromEitherSide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "usr-alice", "alice@example.com")
	seedUser(t, s, "usr-bob", "bob@example.com")
	seedContact(t, s, "con-1", "usr-alice", "bob@example.com", "")

	err := s.CreateContact(ctx, &models.Contact{
		ID: "con-dup", OwnerID: "usr-alice", Email: "BOB@example.com",
		OwnerStatus: models.ContactConnected, ContactStatus: models.ContactPending,
		CreatedAt: baseTime, UpdatedAt: baseTime,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	list, err := s.ListContactsForUser(ctx, "usr-bob")
	require.NoError(t, err)
	assert.Empty(t, list, "unresolved invitation is not visible to the invitee's id")

	c, err := s.GetContact(ctx, "con-1")
	require.NoError(t, err)
	c.ContactUserID = "usr-bob"
	c.ContactStatus = models.ContactConnected
	c.UpdatedAt = baseTime.Add(time.Hour)
	require.NoError(t, s.UpdateContact(ctx, c))

	for _, user := range []string{"usr-alice", "usr-bob"} {
		list, err := s.ListContactsForUser(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 1, user)
		assert.True(t, list[0].Connected())
	}

	require.NoError(t, s.DeleteContact(ctx, "con-1"))
	assert.ErrorIs(t, s.DeleteContact(ctx, "con-1"), store.ErrNotFound)
}

func TestEventLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "usr-alice", "alice@example.com")
	seedUser(t, s, "usr-bob", "bob@example.com")
	seedContact(t, s, "con-bob", "usr-alice", "bob@example.com", "usr-bob")

	ev := pendingEvent("evt-1", "usr-alice")
	participants := []models.EventParticipant{{
		ContactID: "con-bob", UserID: "usr-bob", Email: "bob@example.com",
		Status: models.ParticipantPending, CreatedAt: baseTime, UpdatedAt: baseTime,
	}}
	require.NoError(t, s.CreateEvent(ctx, ev, participants))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventPending, got.Status)
	assert.Nil(t, got.Selected)
	assert.Equal(t, models.Minutes(60), got.Duration)

	slot := models.NewSlot(time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC), time.Hour)
	got.Confirm(slot, "gcal-123", baseTime.Add(time.Minute))
	require.NoError(t, s.UpdateEvent(ctx, got))

	got, err = s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventConfirmed, got.Status)
	require.NotNil(t, got.Selected)
	assert.True(t, got.Selected.Equal(slot))
	assert.Equal(t, "gcal-123", got.ProviderEventID)

	byOwner, err := s.ListEventsByOwner(ctx, "usr-alice")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	byParticipant, err := s.ListEventsByParticipant(ctx, "usr-bob")
	require.NoError(t, err)
	require.Len(t, byParticipant, 1)

	require.NoError(t, s.UpdateParticipantStatus(ctx, "evt-1", "con-bob", models.ParticipantAccepted))
	ps, err := s.ListParticipants(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, models.ParticipantAccepted, ps[0].Status)

	got.Release(models.EventCancelled, baseTime.Add(2*time.Minute))
	require.NoError(t, s.UpdateEvent(ctx, got))
	got, err = s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, got.Selected)
	assert.Empty(t, got.ProviderEventID)

	require.NoError(t, s.DeleteEvent(ctx, "evt-1"))
	_, err = s.GetEvent(ctx, "evt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	ps, err = s.ListParticipants(ctx, "evt-1")
	require.NoError(t, err)
	assert.Empty(t, ps, "participants are removed with the event")
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Pin one connection so later statements are served by another.
	held, err := s.db.Conn(ctx)
	require.NoError(t, err)
	defer held.Close()

	other, err := s.db.Conn(ctx)
	require.NoError(t, err)
	var fk, timeout int
	require.NoError(t, other.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	require.NoError(t, other.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	require.NoError(t, other.Close())
	assert.Equal(t, 1, fk)
	assert.Equal(t, 5000, timeout)

	seedUser(t, s, "usr-alice", "alice@example.com")
	seedUser(t, s, "usr-bob", "bob@example.com")
	seedContact(t, s, "con-bob", "usr-alice", "bob@example.com", "usr-bob")
	require.NoError(t, s.CreateEvent(ctx, pendingEvent("evt-1", "usr-alice"), []models.EventParticipant{{
		ContactID: "con-bob", UserID: "usr-bob", Email: "bob@example.com",
		Status: models.ParticipantPending, CreatedAt: baseTime, UpdatedAt: baseTime,
	}}))

	require.NoError(t, s.DeleteEvent(ctx, "evt-1"))

	var n int
	require.NoError(t, held.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_participants WHERE event_id = ?", "evt-1").Scan(&n))
	assert.Zero(t, n, "participants cascade regardless of which connection deletes")
}

func TestEventInvariantEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "usr-alice", "alice@example.com")

	ev := pendingEvent("evt-1", "usr-alice")
	require.NoError(t, s.CreateEvent(ctx, ev, nil))

	// Confirmed without a provider id.
	slot := models.NewSlot(baseTime, time.Hour)
	ev.Status = models.EventConfirmed
	ev.Selected = &slot
	assert.ErrorIs(t, s.UpdateEvent(ctx, ev), store.ErrInvariant)

	// Pending but still carrying a selection.
	ev.Status = models.EventPending
	ev.ProviderEventID = "gcal-1"
	assert.ErrorIs(t, s.UpdateEvent(ctx, ev), store.ErrInvariant)

	assert.ErrorIs(t, s.UpdateParticipantStatus(ctx, "evt-1", "con-x", "maybe"), store.ErrInvariant)
	assert.ErrorIs(t, s.UpdateParticipantStatus(ctx, "evt-1", "con-x", models.ParticipantAccepted), store.ErrNotFound)

	missing := pendingEvent("evt-missing", "usr-alice")
	assert.ErrorIs(t, s.UpdateEvent(ctx, missing), store.ErrNotFound)
}

func TestCreateEventRollsBackOnParticipantFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "usr-alice", "alice@example.com")

	ev := pendingEvent("evt-1", "usr-alice")
	err := s.CreateEvent(ctx, ev, []models.EventParticipant{{
		ContactID: "con-unknown", Email: "x@example.com", Status: models.ParticipantPending,
		CreatedAt: baseTime, UpdatedAt: baseTime,
	}})
	assert.ErrorIs(t, err, store.ErrInvariant)

	_, err = s.GetEvent(ctx, "evt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "usr-alice", "alice@example.com")

	_, err := s.GetConnection(ctx, "usr-alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	conn := &models.CalendarConnection{
		UserID:       "usr-alice",
		Provider:     "google",
		Email:        "alice@example.com",
		RefreshToken: "r1",
		Scopes:       []string{"a", "b"},
		UpdatedAt:    baseTime,
	}
	require.NoError(t, s.SaveConnection(ctx, conn))

	conn.RefreshToken = "r2"
	require.NoError(t, s.SaveConnection(ctx, conn))

	got, err := s.GetConnection(ctx, "usr-alice")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RefreshToken)
	assert.Equal(t, []string{"a", "b"}, got.Scopes)
}
