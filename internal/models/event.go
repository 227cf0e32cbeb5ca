package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventStatus is the lifecycle state of an Event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventConfirmed EventStatus = "confirmed"
	EventCancelled EventStatus = "cancelled"
	EventArchived  EventStatus = "archived"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventConfirmed, EventCancelled, EventArchived:
		return true
	}
	return false
}

// Well-known meeting locations. Any other value is free text.
const (
	LocationMeet     = "meet"
	LocationZoom     = "zoom"
	LocationSkype    = "skype"
	LocationPhysical = "physical"
)

// Minutes is a meeting length in whole minutes.
type Minutes int

// AllowedDurations are the meeting lengths an event may be created with.
var AllowedDurations = []Minutes{15, 30, 45, 60, 90, 120}

// Duration converts m to a time.Duration.
func (m Minutes) Duration() time.Duration {
	return time.Duration(m) * time.Minute
}

// Valid reports whether m is one of AllowedDurations.
func (m Minutes) Valid() bool {
	for _, d := range AllowedDurations {
		if m == d {
			return true
		}
	}
	return false
}

// ErrInvalidEvent is wrapped by every error returned from Event.Validate.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a proposed meeting owned by a single user.
type Event struct {
	ID              string      // Internal identifier
	OwnerID         string      // User who created the event
	Title           string      // Summary shown in calendars
	Description     string      // Free-form description
	Location        string      // Free text or one of the Location* constants
	Duration        Minutes     // Requested meeting length
	Status          EventStatus // Lifecycle state
	Selected        *TimeSlot   // Confirmed time, set only while confirmed
	ProviderEventID string      // External calendar event id, set only while confirmed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks field constraints and the confirmation invariant:
// Selected and ProviderEventID are present iff the event is confirmed.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if !e.Duration.Valid() {
		return fmt.Errorf("%w: unsupported duration %d", ErrInvalidEvent, e.Duration)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}

	confirmed := e.Status == EventConfirmed
	if confirmed != (e.Selected != nil) || confirmed != (e.ProviderEventID != "") {
		return fmt.Errorf("%w: selected time and provider event id must be set iff status is confirmed", ErrInvalidEvent)
	}
	if e.Selected != nil && !e.Selected.Valid() {
		return fmt.Errorf("%w: selected time is empty", ErrInvalidEvent)
	}
	return nil
}

// Confirm moves the event to confirmed at slot with the given provider id.
func (e *Event) Confirm(slot TimeSlot, providerEventID string, now time.Time) {
	s := slot
	e.Status = EventConfirmed
	e.Selected = &s
	e.ProviderEventID = providerEventID
	e.UpdatedAt = now
}

// Release moves the event to status and drops any confirmation data.
func (e *Event) Release(status EventStatus, now time.Time) {
	e.Status = status
	e.Selected = nil
	e.ProviderEventID = ""
	e.UpdatedAt = now
}
