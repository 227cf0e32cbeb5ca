// Package store defines persistence for events, contacts, participants and
// calendar connections.
package store

import (
	"context"
	"errors"

	"convene/internal/models"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvariant     = errors.New("invariant violated")
)

// Users is the user directory.
type Users interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Events stores events and their participants.
type Events interface {
	// CreateEvent inserts an event and its participants together.
	CreateEvent(ctx context.Context, e *models.Event, participants []models.EventParticipant) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	// UpdateEvent overwrites the event row. The confirmation invariant is
	// checked before writing.
	UpdateEvent(ctx context.Context, e *models.Event) error
	// DeleteEvent removes the event and, by cascade, its participants.
	DeleteEvent(ctx context.Context, id string) error
	ListEventsByOwner(ctx context.Context, ownerID string) ([]*models.Event, error)
	ListEventsByParticipant(ctx context.Context, userID string) ([]*models.Event, error)

	ListParticipants(ctx context.Context, eventID string) ([]models.EventParticipant, error)
	UpdateParticipantStatus(ctx context.Context, eventID, contactID string, status models.ParticipantStatus) error
}

// Contacts stores contact relationships.
type Contacts interface {
	CreateContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	UpdateContact(ctx context.Context, c *models.Contact) error
	DeleteContact(ctx context.Context, id string) error
	// ListContactsForUser returns relationships where userID is either side.
	ListContactsForUser(ctx context.Context, userID string) ([]*models.Contact, error)
}

// Connections stores users' calendar provider links.
type Connections interface {
	GetConnection(ctx context.Context, userID string) (*models.CalendarConnection, error)
	SaveConnection(ctx context.Context, c *models.CalendarConnection) error
}

// Store is the full persistence surface.
type Store interface {
	Users
	Events
	Contacts
	Connections
	Close() error
}
