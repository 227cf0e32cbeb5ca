// Package scheduler commits chosen meeting times to the organizer's external
// calendar and keeps the internal event record in step with it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"convene/internal/availability"
	"convene/internal/calendar"
	"convene/internal/clock"
	"convene/internal/credentials"
	"convene/internal/models"
	"convene/internal/store"
)

// Store is the persistence the scheduler needs.
type Store interface {
	store.Users
	store.Events
	store.Contacts
}

// Commit operations, used in CommitError.Op and Warning.Op.
const (
	OpCredential = "credential"
	OpCreate     = "create"
	OpUpdate     = "update"
	OpPersist    = "persist"
	OpDelete     = "delete"
)

var (
	// ErrInvalidSlot is returned when the chosen slot does not fit the event.
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrInvalidState is returned when the event's status forbids the operation.
	ErrInvalidState = errors.New("invalid event state")
)

// CommitError reports a failed commit. When persisting failed after the
// external calendar was changed, Compensation holds the outcome of undoing
// that change (nil when the undo succeeded).
type CommitError struct {
	Op           string
	EventID      string
	Err          error
	Compensated  bool
	Compensation error
}

func (e *CommitError) Error() string {
	s := fmt.Sprintf("commit %s for event %s: %v", e.Op, e.EventID, e.Err)
	if e.Compensation != nil {
		s += fmt.Sprintf(" (undo failed: %v)", e.Compensation)
	} else if e.Compensated {
		s += " (external change undone)"
	}
	return s
}

func (e *CommitError) Unwrap() error { return e.Err }

// Warning is a non-blocking problem from a best-effort external operation.
type Warning struct {
	Op      string        `json:"op"`
	Kind    calendar.Kind `json:"kind,omitempty"`
	Message string        `json:"message"`
}

func newWarning(op string, err error) Warning {
	return Warning{Op: op, Kind: calendar.KindOf(err), Message: err.Error()}
}

// ConfirmResult describes a committed slot.
type ConfirmResult struct {
	EventID         string          `json:"eventId"`
	ProviderEventID string          `json:"providerEventId"`
	Slot            models.TimeSlot `json:"slot"`
	// Updated is true when an existing external event was moved rather
	// than a new one created.
	Updated bool `json:"updated"`
}

// ReleaseResult describes a cancel, archive or delete.
type ReleaseResult struct {
	EventID  string    `json:"eventId"`
	Status   string    `json:"status"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// RetryPolicy bounds the retries of the internal write after an external
// commit succeeded.
type RetryPolicy struct {
	Attempts uint
	Interval time.Duration
}

// DefaultRetry is three attempts 200ms apart.
var DefaultRetry = RetryPolicy{Attempts: 3, Interval: 200 * time.Millisecond}

// Committer confirms slots and releases confirmed events.
type Committer struct {
	store   Store
	stage   *credentials.Stage
	gateway calendar.Gateway
	clock   clock.Clock
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewCommitter creates a Committer. A zero retry uses DefaultRetry.
func NewCommitter(s Store, stage *credentials.Stage, gateway calendar.Gateway, clk clock.Clock, retry RetryPolicy, logger *slog.Logger) *Committer {
	if retry.Attempts == 0 {
		retry = DefaultRetry
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Committer{store: s, stage: stage, gateway: gateway, clock: clk, retry: retry, logger: logger}
}

// Confirm commits slot for the event. A pending event gets a new external
// event inviting every participant who has not declined. An already
// confirmed event has its external event moved, never duplicated; if the
// provider no longer has it, it is recreated. The internal record is only
// marked confirmed after the external write succeeded.
func (c *Committer) Confirm(ctx context.Context, eventID string, slot models.TimeSlot) (*ConfirmResult, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if ev.Status != models.EventPending && ev.Status != models.EventConfirmed {
		return nil, fmt.Errorf("%w: cannot confirm a %s event", ErrInvalidState, ev.Status)
	}
	if !slot.Valid() || slot.Duration() != ev.Duration.Duration() {
		return nil, fmt.Errorf("%w: %s does not last %d minutes", ErrInvalidSlot, slot, ev.Duration)
	}
	return c.commit(ctx, ev, slot)
}

// SyncEdit pushes a confirmed event's edited details to its external event.
// Events that are not confirmed have nothing to sync.
func (c *Committer) SyncEdit(ctx context.Context, eventID string) (*ConfirmResult, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if ev.Status != models.EventConfirmed || ev.Selected == nil {
		return nil, nil
	}
	return c.commit(ctx, ev, *ev.Selected)
}

func (c *Committer) commit(ctx context.Context, ev *models.Event, slot models.TimeSlot) (*ConfirmResult, error) {
	log := c.logger.With("event", ev.ID)

	participants, err := availability.LoadParticipants(ctx, c.store, ev)
	if err != nil {
		return nil, err
	}
	owner := participants[0]

	o := c.stage.ResolveOne(ctx, owner, credentials.ProfileCommit)
	if !o.OK() {
		log.Warn("Organizer credential unavailable for commit", "error", o.Err)
		return nil, &CommitError{Op: OpCredential, EventID: ev.ID, Err: o.Err}
	}
	cred := o.Credential

	payload := calendar.EventPayload{
		InternalID:  ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Slot:        slot,
		Organizer:   owner.Email,
	}
	for _, p := range participants {
		payload.Attendees = append(payload.Attendees, p.Email)
	}

	var (
		providerID = ev.ProviderEventID
		updated    bool
	)
	if providerID != "" {
		err = c.gateway.UpdateEvent(ctx, cred, providerID, payload)
		switch {
		case err == nil:
			updated = true
		case errors.Is(err, calendar.ErrNotFound):
			log.Warn("External event disappeared, recreating", "provider_event", providerID)
			providerID = ""
		default:
			log.Error("Failed to update external event", "provider_event", providerID, "error", err)
			return nil, &CommitError{Op: OpUpdate, EventID: ev.ID, Err: err}
		}
	}
	if providerID == "" {
		providerID, err = c.gateway.CreateEvent(ctx, cred, payload)
		if err != nil {
			log.Error("Failed to create external event", "error", err)
			return nil, &CommitError{Op: OpCreate, EventID: ev.ID, Err: err}
		}
	}

	previous := *ev
	confirmed := *ev
	confirmed.Confirm(slot, providerID, c.clock.Now())
	if err := c.persist(ctx, &confirmed); err != nil {
		cerr := &CommitError{Op: OpPersist, EventID: ev.ID, Err: err}
		cerr.Compensation = c.compensate(ctx, cred, &previous, providerID, updated, payload)
		cerr.Compensated = cerr.Compensation == nil
		log.Error("Failed to record confirmation", "provider_event", providerID, "error", err, "undo_error", cerr.Compensation)
		return nil, cerr
	}

	log.Info("Event confirmed", "provider_event", providerID, "slot", slot.String(), "updated", updated)
	return &ConfirmResult{EventID: ev.ID, ProviderEventID: providerID, Slot: slot, Updated: updated}, nil
}

// persist writes ev, retrying transient failures. Invariant violations and
// missing events are not retried.
func (c *Committer) persist(ctx context.Context, ev *models.Event) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.store.UpdateEvent(ctx, ev)
		if errors.Is(err, store.ErrInvariant) || errors.Is(err, store.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("Retrying event write", "event", ev.ID, "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retry.Interval)),
		backoff.WithMaxTries(c.retry.Attempts),
	)
	return err
}

// compensate undoes the external change after the internal write failed: a
// newly created event is deleted, a moved event is moved back.
func (c *Committer) compensate(ctx context.Context, cred calendar.Credential, previous *models.Event, providerID string, updated bool, payload calendar.EventPayload) error {
	ctx = context.WithoutCancel(ctx)
	if updated && previous.Selected != nil {
		payload.Title = previous.Title
		payload.Description = previous.Description
		payload.Location = previous.Location
		payload.Slot = *previous.Selected
		return c.gateway.UpdateEvent(ctx, cred, providerID, payload)
	}
	return c.gateway.DeleteEvent(ctx, cred, providerID, nil)
}

// Cancel marks the event cancelled, removing its external event first on a
// best-effort basis.
func (c *Committer) Cancel(ctx context.Context, eventID string) (*ReleaseResult, error) {
	return c.release(ctx, eventID, models.EventCancelled)
}

// Archive marks the event archived. The external event is only removed
// when the meeting has not ended yet.
func (c *Committer) Archive(ctx context.Context, eventID string) (*ReleaseResult, error) {
	return c.release(ctx, eventID, models.EventArchived)
}

// Delete removes the event and its participants, removing its external
// event first on a best-effort basis.
func (c *Committer) Delete(ctx context.Context, eventID string) (*ReleaseResult, error) {
	return c.release(ctx, eventID, "")
}

// release implements Cancel, Archive and Delete; an empty status deletes.
// External failures never block the internal change and are returned as
// warnings.
func (c *Committer) release(ctx context.Context, eventID string, status models.EventStatus) (*ReleaseResult, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if status != "" && ev.Status == status {
		return &ReleaseResult{EventID: eventID, Status: string(status)}, nil
	}
	if status == models.EventCancelled && ev.Status == models.EventArchived {
		return nil, fmt.Errorf("%w: cannot cancel an archived event", ErrInvalidState)
	}

	res := &ReleaseResult{EventID: eventID, Status: string(status)}
	if status == "" {
		res.Status = "deleted"
	}

	now := c.clock.Now()
	removeExternal := ev.ProviderEventID != ""
	if status == models.EventArchived && ev.Selected != nil && !ev.Selected.End.After(now) {
		removeExternal = false
	}
	if removeExternal {
		if w := c.removeExternal(ctx, ev); w != nil {
			res.Warnings = append(res.Warnings, *w)
		}
	}

	if status == "" {
		if err := c.store.DeleteEvent(ctx, eventID); err != nil {
			return nil, fmt.Errorf("failed to delete event %s: %w", eventID, err)
		}
	} else {
		ev.Release(status, now)
		if err := c.store.UpdateEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to mark event %s %s: %w", eventID, status, err)
		}
	}

	c.logger.Info("Event released", "event", eventID, "status", res.Status, "warnings", len(res.Warnings))
	return res, nil
}

// removeExternal deletes the external event, notifying only participants
// who accepted. It returns a warning instead of an error.
func (c *Committer) removeExternal(ctx context.Context, ev *models.Event) *Warning {
	owner, err := c.store.GetUser(ctx, ev.OwnerID)
	if err != nil {
		w := newWarning(OpCredential, fmt.Errorf("failed to load organizer: %w", err))
		return &w
	}

	o := c.stage.ResolveOne(ctx, models.Participant{UserID: owner.ID, Email: owner.Email, Owner: true}, credentials.ProfileCommit)
	if !o.OK() {
		c.logger.Warn("Skipping external delete, organizer credential unavailable", "event", ev.ID, "error", o.Err)
		w := newWarning(OpCredential, o.Err)
		return &w
	}

	participants, err := c.store.ListParticipants(ctx, ev.ID)
	if err != nil {
		w := newWarning(OpDelete, fmt.Errorf("failed to list participants: %w", err))
		return &w
	}
	var notify []string
	for _, p := range participants {
		if p.Status == models.ParticipantAccepted {
			notify = append(notify, p.Email)
		}
	}

	if err := c.gateway.DeleteEvent(ctx, o.Credential, ev.ProviderEventID, notify); err != nil {
		c.logger.Warn("External delete failed, continuing", "event", ev.ID, "provider_event", ev.ProviderEventID, "error", err)
		w := newWarning(OpDelete, err)
		return &w
	}
	return nil
}
