package models

import "time"

// CalendarConnection is a user's stored link to a calendar provider.
type CalendarConnection struct {
	UserID       string
	Provider     string   // "google" or "caldav"
	Email        string   // Calendar identifier at the provider
	Username     string   // CalDAV login; empty for OAuth providers
	Secret       string   // CalDAV app password; empty for OAuth providers
	RefreshToken string   // OAuth refresh token
	Scopes       []string // Scopes granted at consent time
	UpdatedAt    time.Time
}
