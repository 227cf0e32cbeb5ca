package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"convene/internal/clock"
	"convene/internal/id"
	"convene/internal/models"
	"convene/internal/store"
)

var (
	// ErrForbidden is returned when the caller may not see or change an event.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInvitee is returned when an invited contact cannot join.
	ErrInvalidInvitee = errors.New("invalid invitee")
)

// CreateInput describes a new event.
type CreateInput struct {
	Title       string
	Description string
	Location    string
	Duration    models.Minutes
	ContactIDs  []string
}

// EditInput holds the fields to change; nil fields are left alone.
type EditInput struct {
	Title       *string
	Description *string
	Location    *string
}

// EventView is an event with its participants.
type EventView struct {
	Event        *models.Event
	Participants []models.EventParticipant
}

// Planner manages events and invitations before and after commit.
type Planner struct {
	store     Store
	committer *Committer
	clock     clock.Clock
	logger    *slog.Logger
}

// NewPlanner creates a Planner. committer syncs edits of confirmed events.
func NewPlanner(s Store, committer *Committer, clk clock.Clock, logger *slog.Logger) *Planner {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Planner{store: s, committer: committer, clock: clk, logger: logger}
}

// Create stores a pending event owned by ownerID inviting the other side of
// each listed contact. Every contact must be a connected relationship of
// the owner.
func (p *Planner) Create(ctx context.Context, ownerID string, in CreateInput) (*EventView, error) {
	owner, err := p.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner %s: %w", ownerID, err)
	}

	evID, err := id.Generate(id.PrefixEvent)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	ev := &models.Event{
		ID:          evID,
		OwnerID:     owner.ID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Location:    in.Location,
		Duration:    in.Duration,
		Status:      models.EventPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var participants []models.EventParticipant
	for _, contactID := range in.ContactIDs {
		if seen[contactID] {
			continue
		}
		seen[contactID] = true

		c, err := p.store.GetContact(ctx, contactID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: contact %s does not exist", ErrInvalidInvitee, contactID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load contact %s: %w", contactID, err)
		}
		other, ok := c.OtherSide(owner.ID)
		if !ok || !c.Connected() {
			return nil, fmt.Errorf("%w: contact %s is not a connected contact of the owner", ErrInvalidInvitee, contactID)
		}

		email := c.Email
		if other == c.OwnerID {
			u, err := p.store.GetUser(ctx, other)
			if err != nil {
				return nil, fmt.Errorf("failed to load invitee %s: %w", other, err)
			}
			email = u.Email
		}
		participants = append(participants, models.EventParticipant{
			EventID:   ev.ID,
			ContactID: c.ID,
			UserID:    other,
			Email:     email,
			Status:    models.ParticipantPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := p.store.CreateEvent(ctx, ev, participants); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	p.logger.Info("Event created", "event", ev.ID, "owner", owner.ID, "invitees", len(participants))
	return &EventView{Event: ev, Participants: participants}, nil
}

// Get returns the event if userID owns it or is invited to it.
func (p *Planner) Get(ctx context.Context, userID, eventID string) (*EventView, error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	participants, err := p.store.ListParticipants(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.OwnerID != userID && participantOf(participants, userID) == nil {
		return nil, ErrForbidden
	}
	return &EventView{Event: ev, Participants: participants}, nil
}

// List returns the events userID owns followed by those they are invited
// to, each group newest first as the store returns them.
func (p *Planner) List(ctx context.Context, userID string) ([]*models.Event, error) {
	owned, err := p.store.ListEventsByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned events: %w", err)
	}
	invited, err := p.store.ListEventsByParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return append(owned, invited...), nil
}

// Authorize checks that userID owns the event.
func (p *Planner) Authorize(ctx context.Context, userID, eventID string) (*models.Event, error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.OwnerID != userID {
		return nil, ErrForbidden
	}
	return ev, nil
}

// Edit changes an event's details. A confirmed event's external calendar
// entry is updated to match; failing that is reported as a warning since
// the edit itself is already stored.
func (p *Planner) Edit(ctx context.Context, userID, eventID string, in EditInput) (*EventView, []Warning, error) {
	ev, err := p.Authorize(ctx, userID, eventID)
	if err != nil {
		return nil, nil, err
	}
	if ev.Status != models.EventPending && ev.Status != models.EventConfirmed {
		return nil, nil, fmt.Errorf("%w: cannot edit a %s event", ErrInvalidState, ev.Status)
	}

	if in.Title != nil {
		ev.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		ev.Description = *in.Description
	}
	if in.Location != nil {
		ev.Location = *in.Location
	}
	ev.UpdatedAt = p.clock.Now()
	if err := ev.Validate(); err != nil {
		return nil, nil, err
	}
	if err := p.store.UpdateEvent(ctx, ev); err != nil {
		return nil, nil, fmt.Errorf("failed to update event %s: %w", eventID, err)
	}

	var warnings []Warning
	if ev.Status == models.EventConfirmed && p.committer != nil {
		if _, err := p.committer.SyncEdit(ctx, eventID); err != nil {
			p.logger.Warn("Edit not synced to external calendar", "event", eventID, "error", err)
			warnings = append(warnings, newWarning(OpUpdate, err))
		}
	}

	view, err := p.Get(ctx, userID, eventID)
	if err != nil {
		return nil, nil, err
	}
	return view, warnings, nil
}

// Respond records the invitee's answer for the participant linked to
// contactID. Only that invitee may respond.
func (p *Planner) Respond(ctx context.Context, userID, eventID, contactID string, status models.ParticipantStatus) error {
	if !status.Valid() || status == models.ParticipantPending {
		return fmt.Errorf("%w: cannot respond with %q", ErrInvalidState, status)
	}
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Status != models.EventPending && ev.Status != models.EventConfirmed {
		return fmt.Errorf("%w: cannot respond to a %s event", ErrInvalidState, ev.Status)
	}
	participants, err := p.store.ListParticipants(ctx, eventID)
	if err != nil {
		return err
	}
	part := participantOf(participants, userID)
	if part == nil || part.ContactID != contactID {
		return ErrForbidden
	}

	if err := p.store.UpdateParticipantStatus(ctx, eventID, contactID, status); err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	p.logger.Info("Participant responded", "event", eventID, "user", userID, "status", status)
	return nil
}

func participantOf(participants []models.EventParticipant, userID string) *models.EventParticipant {
	for i := range participants {
		if participants[i].UserID == userID {
			return &participants[i]
		}
	}
	return nil
}
