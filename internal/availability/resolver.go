// Package availability finds meeting times that are free for every
// participant of an event.
//
// A resolution runs in stages: the participant set is read from the store,
// every participant's credential is resolved concurrently, busy periods are
// fetched concurrently, and candidate slots that survive the intersection of
// everyone's free time are scored and ranked. Any credential failure fails
// the whole resolution closed. A calendar failure after a credential was
// obtained marks that participant busy for the entire window and reports
// them as degraded.
package availability

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"convene/internal/calendar"
	"convene/internal/credentials"
	"convene/internal/interval"
	"convene/internal/models"
	"convene/internal/store"
)

// Defaults for Config fields left zero.
const (
	DefaultGranularity = 30 * time.Minute
	DefaultTopN        = 3
	DefaultMaxWindow   = 31 * 24 * time.Hour
)

// Scoring weights.
const (
	workdayBonus  = 100.0
	hoursBonus    = 50.0
	earlinessSpan = 10.0
)

// EventSource is the part of the store the resolver reads.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListParticipants(ctx context.Context, eventID string) ([]models.EventParticipant, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
}

// Config tunes candidate generation and ranking.
type Config struct {
	Granularity time.Duration // Spacing of candidate starts, 15m or 30m
	TopN        int
	MaxWindow   time.Duration
	Hours       BusinessHours // Used for scoring, and as the policy when Policy is nil
	Policy      Policy
	Concurrency int // Max concurrent busy fetches, 0 for one per participant
}

func (c Config) withDefaults() Config {
	if c.Granularity <= 0 {
		c.Granularity = DefaultGranularity
	}
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.Hours.Weekdays == nil {
		c.Hours = DefaultBusinessHours(c.Hours.Location)
	}
	if c.Policy == nil {
		c.Policy = c.Hours
	}
	return c
}

// Result is a successful resolution.
type Result struct {
	EventID      string               `json:"eventId"`
	Window       models.TimeSlot      `json:"window"`
	Duration     models.Minutes       `json:"duration"`
	Participants []models.Participant `json:"participants"`
	Slots        []models.RankedSlot  `json:"slots"`
	// Degraded lists participants whose calendar could not be read and who
	// were therefore treated as busy for the whole window.
	Degraded []ParticipantFailure `json:"degraded,omitempty"`
}

// Resolver computes ranked common free slots for an event.
type Resolver struct {
	events  EventSource
	stage   *credentials.Stage
	gateway calendar.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(events EventSource, stage *credentials.Stage, gateway calendar.Gateway, cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		events:  events,
		stage:   stage,
		gateway: gateway,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Resolve returns the top ranked slots in window during which every
// participant of the event is free for duration. A zero duration uses the
// event's own duration.
func (r *Resolver) Resolve(ctx context.Context, eventID string, window models.TimeSlot, duration models.Minutes) (*Result, error) {
	return r.ResolveWithProgress(ctx, eventID, window, duration, nil)
}

// ResolveWithProgress is Resolve with a callback invoked as each
// participant's credential outcome becomes known. progress may be called
// concurrently.
func (r *Resolver) ResolveWithProgress(ctx context.Context, eventID string, window models.TimeSlot, duration models.Minutes, progress func(credentials.Outcome)) (*Result, error) {
	ev, err := r.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if duration == 0 {
		duration = ev.Duration
	}
	if err := r.validate(ev, window, duration); err != nil {
		return nil, err
	}

	participants, err := LoadParticipants(ctx, r.events, ev)
	if err != nil {
		return nil, err
	}

	log := r.logger.With("event", eventID, "participants", len(participants))
	log.Info("Resolving availability", "window", window.String(), "duration", int(duration))

	outcomes := r.stage.Resolve(ctx, participants, credentials.ProfileAvailability, progress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failed := credentials.Failures(outcomes); len(failed) > 0 {
		rerr := &ResolutionError{Kind: KindParticipantUnavailable, Message: "not every participant's calendar is reachable"}
		for _, o := range failed {
			rerr.Failures = append(rerr.Failures, newFailure(o.Participant.UserID, o.Participant.Email, o.Err))
		}
		log.Warn("Availability failed closed on credentials", "failed", len(failed))
		return nil, rerr
	}

	busy, degraded, err := r.fetchBusy(ctx, outcomes, window)
	if err != nil {
		return nil, err
	}

	slots := r.rank(window, duration.Duration(), interval.IntersectAll(window, busy))
	if len(slots) == 0 {
		log.Info("No common slot found", "degraded", len(degraded))
		return nil, &ResolutionError{
			Kind:     KindNoCommonSlot,
			Message:  "no time in the window is free for every participant",
			Failures: degraded,
		}
	}

	log.Info("Availability resolved", "slots", len(slots), "degraded", len(degraded))
	return &Result{
		EventID:      eventID,
		Window:       window,
		Duration:     duration,
		Participants: participants,
		Slots:        slots,
		Degraded:     degraded,
	}, nil
}

func (r *Resolver) validate(ev *models.Event, window models.TimeSlot, duration models.Minutes) error {
	if ev.Status != models.EventPending && ev.Status != models.EventConfirmed {
		return invalidRequest("event is %s", ev.Status)
	}
	if !window.Valid() {
		return invalidRequest("window %s is empty", window)
	}
	if window.Duration() > r.cfg.MaxWindow {
		return invalidRequest("window is longer than %s", r.cfg.MaxWindow)
	}
	if !duration.Valid() {
		return invalidRequest("unsupported duration %d minutes", duration)
	}
	if duration.Duration() > window.Duration() {
		return invalidRequest("duration is longer than the window")
	}
	return nil
}

// fetchBusy reads every participant's busy periods concurrently. On
// cancellation it returns immediately without waiting for calls in flight.
func (r *Resolver) fetchBusy(ctx context.Context, outcomes []credentials.Outcome, window models.TimeSlot) ([][]models.TimeSlot, []ParticipantFailure, error) {
	busy := make([][]models.TimeSlot, len(outcomes))
	errs := make([]error, len(outcomes))

	var g errgroup.Group
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}
	for i, o := range outcomes {
		g.Go(func() error {
			busy[i], errs[i] = r.gateway.BusyPeriods(ctx, o.Credential, window)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-done:
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var degraded []ParticipantFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		p := outcomes[i].Participant
		if calendar.KindOf(err).IsCredential() && r.stage.Cache() != nil {
			r.stage.Cache().Invalidate(p.UserID, credentials.ProfileAvailability)
		}
		r.logger.Warn("Treating participant as busy after calendar failure",
			"user", p.UserID, "kind", calendar.KindOf(err), "error", err)
		busy[i] = []models.TimeSlot{window}
		degraded = append(degraded, newFailure(p.UserID, p.Email, err))
	}
	return busy, degraded, nil
}

// rank generates candidate slots on the granularity grid, keeps those the
// policy allows that lie entirely within free, and returns the best TopN.
func (r *Resolver) rank(window models.TimeSlot, d time.Duration, free []models.TimeSlot) []models.RankedSlot {
	if len(free) == 0 {
		return nil
	}

	start := r.gridStart(window.Start)

	var ranked []models.RankedSlot
	for ; !start.Add(d).After(window.End); start = start.Add(r.cfg.Granularity) {
		slot := models.NewSlot(start, d)
		if !r.cfg.Policy.Candidate(slot) || !interval.Covered(slot, free) {
			continue
		}
		ranked = append(ranked, models.RankedSlot{
			TimeSlot:  models.TimeSlot{Start: slot.Start.In(r.cfg.Hours.loc()), End: slot.End.In(r.cfg.Hours.loc())},
			Score:     r.score(slot, window),
			FreeRatio: 1,
		})
	}

	slices.SortStableFunc(ranked, func(a, b models.RankedSlot) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return a.Start.Compare(b.Start)
	})
	if len(ranked) > r.cfg.TopN {
		ranked = ranked[:r.cfg.TopN]
	}
	return ranked
}

// gridStart returns the first grid point at or after t. The grid is anchored
// at local midnight in the business-hours zone so slots fall on round local
// times in zones with sub-hour offsets.
func (r *Resolver) gridStart(t time.Time) time.Time {
	loc := r.cfg.Hours.loc()
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	steps := (t.Sub(midnight) + r.cfg.Granularity - 1) / r.cfg.Granularity
	return midnight.Add(steps * r.cfg.Granularity)
}

func (r *Resolver) score(slot, window models.TimeSlot) float64 {
	var s float64
	if r.cfg.Hours.Workday(slot.Start) {
		s += workdayBonus
	}
	if r.cfg.Hours.Within(slot) {
		s += hoursBonus
	}
	offset := float64(slot.Start.Sub(window.Start)) / float64(window.Duration())
	return s + (1-offset)*earlinessSpan
}

// LoadParticipants returns the event owner followed by every invitee with a
// resolvable identity who has not declined. Invitees are identified by the
// user id recorded on the participant or, failing that, on its contact.
func LoadParticipants(ctx context.Context, src EventSource, ev *models.Event) ([]models.Participant, error) {
	owner, err := src.GetUser(ctx, ev.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event owner %s: %w", ev.OwnerID, err)
	}
	invitees, err := src.ListParticipants(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants of %s: %w", ev.ID, err)
	}

	seen := map[string]bool{owner.ID: true}
	out := []models.Participant{{UserID: owner.ID, Email: owner.Email, Owner: true}}
	for _, p := range invitees {
		if p.Status == models.ParticipantDeclined {
			continue
		}
		userID := p.UserID
		if userID == "" {
			c, err := src.GetContact(ctx, p.ContactID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load contact %s: %w", p.ContactID, err)
			}
			userID = c.ContactUserID
		}
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		out = append(out, models.Participant{UserID: userID, Email: p.Email})
	}
	return out, nil
}
