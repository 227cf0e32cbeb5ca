// Package calendar defines the provider-independent calendar gateway used to
// read busy periods and write meeting events, together with its error model.
package calendar

import (
	"context"
	"fmt"
	"time"

	"convene/internal/models"
)

// Provider names a calendar backend.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderCalDAV Provider = "caldav"
)

// Credential is what a gateway needs to act on behalf of one participant.
type Credential struct {
	UserID      string
	Email       string // Participant identifier at the provider
	Provider    Provider
	AccessToken string   // Bearer token, or the password for basic-auth providers
	Username    string   // Basic-auth username; empty for bearer providers
	Scopes      []string // Scopes granted to AccessToken
	Expiry      time.Time
}

// Expired reports whether the credential expires before now+skew.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	return !c.Expiry.IsZero() && !now.Add(skew).Before(c.Expiry)
}

// EventPayload describes an event written to an external calendar.
type EventPayload struct {
	InternalID  string // Internal event id, stored on the provider event for traceability
	Title       string
	Description string
	Location    string
	Slot        models.TimeSlot
	Organizer   string
	Attendees   []string // Emails
}

// Gateway reads busy periods from and writes events to one calendar provider.
// Expected provider failures are returned as *Error, never panics.
type Gateway interface {
	// BusyPeriods returns the busy intervals of the credential's owner
	// within window.
	BusyPeriods(ctx context.Context, cred Credential, window models.TimeSlot) ([]models.TimeSlot, error)

	// CreateEvent creates an event and returns the provider's event id.
	CreateEvent(ctx context.Context, cred Credential, ev EventPayload) (string, error)

	// UpdateEvent replaces the time and details of an existing event.
	UpdateEvent(ctx context.Context, cred Credential, providerEventID string, ev EventPayload) error

	// DeleteEvent removes an event. When notify is non-empty only those
	// attendees are told about the cancellation, where the provider allows it.
	DeleteEvent(ctx context.Context, cred Credential, providerEventID string, notify []string) error
}

// Router dispatches to the gateway registered for the credential's provider.
type Router struct {
	gateways map[Provider]Gateway
}

// NewRouter creates a Router over the given gateways.
func NewRouter(gateways map[Provider]Gateway) *Router {
	m := make(map[Provider]Gateway, len(gateways))
	for p, g := range gateways {
		m[p] = g
	}
	return &Router{gateways: m}
}

func (r *Router) lookup(cred Credential, op string) (Gateway, error) {
	g, ok := r.gateways[cred.Provider]
	if !ok {
		return nil, &Error{
			Kind:        KindUnauthorized,
			Op:          op,
			Participant: cred.UserID,
			Message:     fmt.Sprintf("no gateway for provider %q", cred.Provider),
		}
	}
	return g, nil
}

func (r *Router) BusyPeriods(ctx context.Context, cred Credential, window models.TimeSlot) ([]models.TimeSlot, error) {
	g, err := r.lookup(cred, OpBusy)
	if err != nil {
		return nil, err
	}
	return g.BusyPeriods(ctx, cred, window)
}

func (r *Router) CreateEvent(ctx context.Context, cred Credential, ev EventPayload) (string, error) {
	g, err := r.lookup(cred, OpCreate)
	if err != nil {
		return "", err
	}
	return g.CreateEvent(ctx, cred, ev)
}

func (r *Router) UpdateEvent(ctx context.Context, cred Credential, providerEventID string, ev EventPayload) error {
	g, err := r.lookup(cred, OpUpdate)
	if err != nil {
		return err
	}
	return g.UpdateEvent(ctx, cred, providerEventID, ev)
}

func (r *Router) DeleteEvent(ctx context.Context, cred Credential, providerEventID string, notify []string) error {
	g, err := r.lookup(cred, OpDelete)
	if err != nil {
		return err
	}
	return g.DeleteEvent(ctx, cred, providerEventID, notify)
}
