package models

import "time"

// ContactStatus is one side's view of a contact relationship.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactConnected ContactStatus = "connected"
	ContactDeclined  ContactStatus = "declined"
)

// Contact is a single relationship between the inviting owner and another
// person identified by email. Each side keeps its own status.
type Contact struct {
	ID            string
	OwnerID       string        // User who sent the invitation
	Email         string        // Invited person's email
	ContactUserID string        // Resolved identity of the invited person, empty until they accept
	OwnerStatus   ContactStatus // Owner's side
	ContactStatus ContactStatus // Invited person's side
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Connected reports whether both sides have accepted the relationship.
func (c *Contact) Connected() bool {
	return c.OwnerStatus == ContactConnected && c.ContactStatus == ContactConnected
}

// Resolved reports whether the invited person has a known identity.
func (c *Contact) Resolved() bool {
	return c.ContactUserID != ""
}

// OtherSide returns the user id of the party that is not userID.
func (c *Contact) OtherSide(userID string) (string, bool) {
	switch userID {
	case c.OwnerID:
		return c.ContactUserID, c.ContactUserID != ""
	case c.ContactUserID:
		return c.OwnerID, true
	}
	return "", false
}

// ParticipantStatus is an invitee's response to an event.
type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
)

// Valid reports whether s is a known participant status.
func (s ParticipantStatus) Valid() bool {
	switch s {
	case ParticipantPending, ParticipantAccepted, ParticipantDeclined:
		return true
	}
	return false
}

// EventParticipant links an Event to an invited Contact.
type EventParticipant struct {
	EventID   string
	ContactID string
	UserID    string // Copied from the contact when resolved
	Email     string
	Status    ParticipantStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an account known to the identity provider.
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Participant is someone whose calendar must be consulted for an event.
type Participant struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Owner  bool   `json:"owner"`
}
