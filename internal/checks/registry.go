// Package checks runs availability resolutions in the background so clients
// can poll for progress and the result.
package checks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"convene/internal/availability"
	"convene/internal/calendar"
	"convene/internal/clock"
	"convene/internal/credentials"
	"convene/internal/id"
	"convene/internal/models"
)

// State is the lifecycle of a check.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Defaults for the registry.
const (
	DefaultTTL             = 15 * time.Minute
	DefaultTimeout         = 30 * time.Second
	DefaultCleanupInterval = time.Minute
)

// Resolver is the availability operation a check runs.
type Resolver interface {
	ResolveWithProgress(ctx context.Context, eventID string, window models.TimeSlot, duration models.Minutes, progress func(credentials.Outcome)) (*availability.Result, error)
}

// ParticipantOutcome is one participant's credential result.
type ParticipantOutcome struct {
	UserID  string        `json:"userId"`
	Email   string        `json:"email,omitempty"`
	OK      bool          `json:"ok"`
	Kind    calendar.Kind `json:"kind,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Failure is the error a failed check ended with.
type Failure struct {
	Kind     string                            `json:"kind"`
	Message  string                            `json:"message"`
	Failures []availability.ParticipantFailure `json:"failures,omitempty"`
}

// Check is a snapshot of one background resolution.
type Check struct {
	ID        string               `json:"id"`
	EventID   string               `json:"eventId"`
	OwnerID   string               `json:"-"`
	Window    models.TimeSlot      `json:"window"`
	Duration  models.Minutes       `json:"duration"`
	State     State                `json:"state"`
	Outcomes  []ParticipantOutcome `json:"outcomes"`
	Result    *availability.Result `json:"result,omitempty"`
	Failure   *Failure             `json:"failure,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type entry struct {
	check     Check
	cancel    context.CancelFunc
	expiresAt time.Time // Zero while running
}

// Registry holds checks in memory. Finished checks are dropped after the
// TTL.
type Registry struct {
	resolver Resolver
	clock    clock.Clock
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewRegistry creates a Registry. Zero durations use the defaults.
func NewRegistry(resolver Resolver, clk clock.Clock, ttl, timeout time.Duration, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		resolver: resolver,
		clock:    clk,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Start launches a resolution and returns its initial snapshot. The check
// runs detached from ctx, bounded by the registry timeout.
func (r *Registry) Start(ctx context.Context, ownerID, eventID string, window models.TimeSlot, duration models.Minutes) (Check, error) {
	checkID, err := id.Generate(id.PrefixCheck)
	if err != nil {
		return Check{}, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	now := r.clock.Now()
	e := &entry{
		check: Check{
			ID:        checkID,
			EventID:   eventID,
			OwnerID:   ownerID,
			Window:    window,
			Duration:  duration,
			State:     StateRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}

	r.mu.Lock()
	r.entries[checkID] = e
	snapshot := e.check.clone()
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(runCtx, checkID, eventID, window, duration)
	}()

	r.logger.Info("Availability check started", "check", checkID, "event", eventID)
	return snapshot, nil
}

func (r *Registry) run(ctx context.Context, checkID, eventID string, window models.TimeSlot, duration models.Minutes) {
	progress := func(o credentials.Outcome) {
		po := ParticipantOutcome{UserID: o.Participant.UserID, Email: o.Participant.Email, OK: o.OK()}
		if !o.OK() {
			po.Kind = calendar.KindOf(o.Err)
			po.Message = o.Err.Error()
		}
		r.update(checkID, func(c *Check) {
			c.Outcomes = append(c.Outcomes, po)
		})
	}

	res, err := r.resolver.ResolveWithProgress(ctx, eventID, window, duration, progress)
	r.finish(checkID, res, err)
}

func (r *Registry) finish(checkID string, res *availability.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[checkID]
	if !ok {
		return
	}
	c := &e.check
	c.UpdatedAt = r.clock.Now()
	e.expiresAt = c.UpdatedAt.Add(r.ttl)
	if c.State == StateCancelled {
		return
	}

	var rerr *availability.ResolutionError
	switch {
	case err == nil:
		c.State = StateCompleted
		c.Result = res
	case errors.Is(err, context.Canceled):
		c.State = StateCancelled
	case errors.As(err, &rerr):
		c.State = StateFailed
		c.Failure = &Failure{Kind: string(rerr.Kind), Message: rerr.Message, Failures: rerr.Failures}
	case errors.Is(err, context.DeadlineExceeded):
		c.State = StateFailed
		c.Failure = &Failure{Kind: "timeout", Message: "availability check timed out"}
	default:
		c.State = StateFailed
		c.Failure = &Failure{Kind: "internal", Message: err.Error()}
	}
	r.logger.Info("Availability check finished", "check", checkID, "state", c.State)
}

func (r *Registry) update(checkID string, fn func(*Check)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[checkID]; ok && e.check.State == StateRunning {
		fn(&e.check)
		e.check.UpdatedAt = r.clock.Now()
	}
}

// Get returns a snapshot of the check.
func (r *Registry) Get(checkID string) (Check, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[checkID]
	if !ok || r.expired(e) {
		return Check{}, false
	}
	return e.check.clone(), true
}

// Cancel stops a running check. It reports false if the check is unknown.
// Cancelling a finished check leaves it unchanged.
func (r *Registry) Cancel(checkID string) (Check, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[checkID]
	if !ok || r.expired(e) {
		return Check{}, false
	}
	if e.check.State == StateRunning {
		e.check.State = StateCancelled
		e.check.UpdatedAt = r.clock.Now()
		e.expiresAt = e.check.UpdatedAt.Add(r.ttl)
		e.cancel()
		r.logger.Info("Availability check cancelled", "check", checkID)
	}
	return e.check.clone(), true
}

func (r *Registry) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !r.clock.Now().Before(e.expiresAt)
}

// DeleteExpired drops finished checks older than the TTL.
func (r *Registry) DeleteExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Run prunes expired checks every interval until ctx is done, then cancels
// running checks and waits for them.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.DeleteExpired(); n > 0 {
				r.logger.Debug("Pruned expired checks", "count", n)
			}
		case <-ctx.Done():
			r.shutdown()
			return
		}
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every running check has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (c Check) clone() Check {
	c.Outcomes = append([]ParticipantOutcome(nil), c.Outcomes...)
	return c
}
