// Package credentials resolves calendar credentials for meeting participants.
//
// Resolution is independent per participant: one participant's expired or
// under-scoped token is reported as that participant's outcome and never
// affects anyone else. Resolved credentials are cached for a short TTL and
// concurrent refreshes of the same credential are collapsed into one call.
package credentials

import "strings"

// Google Calendar OAuth scopes.
const (
	ScopeCalendar               = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarReadonly       = "https://www.googleapis.com/auth/calendar.readonly"
	ScopeCalendarEvents         = "https://www.googleapis.com/auth/calendar.events"
	ScopeCalendarEventsReadonly = "https://www.googleapis.com/auth/calendar.events.readonly"
	ScopeCalendarFreeBusy       = "https://www.googleapis.com/auth/calendar.freebusy"
)

// ScopeProfile names a fixed set of scopes needed for one kind of work.
type ScopeProfile string

const (
	// ProfileAvailability is needed to read a participant's free/busy data.
	ProfileAvailability ScopeProfile = "availability"
	// ProfileCommit is needed to write events on the organizer's calendar.
	ProfileCommit ScopeProfile = "commit"
)

var profiles = map[ScopeProfile][]string{
	ProfileAvailability: {ScopeCalendarReadonly, ScopeCalendarEventsReadonly, ScopeCalendarFreeBusy},
	ProfileCommit:       {ScopeCalendarEvents},
}

// broader lists, for each scope, the scopes that also grant it.
var broader = map[string][]string{
	ScopeCalendarReadonly:       {ScopeCalendar},
	ScopeCalendarEvents:         {ScopeCalendar},
	ScopeCalendarEventsReadonly: {ScopeCalendar, ScopeCalendarEvents, ScopeCalendarReadonly},
	ScopeCalendarFreeBusy:       {ScopeCalendar, ScopeCalendarReadonly},
}

// Required returns the scopes a profile needs.
func (p ScopeProfile) Required() []string {
	return append([]string(nil), profiles[p]...)
}

// AllScopes returns every scope requested at consent time.
func AllScopes() []string {
	return []string{ScopeCalendarReadonly, ScopeCalendarEventsReadonly, ScopeCalendarFreeBusy, ScopeCalendarEvents}
}

// Missing returns the required scopes of p that granted does not satisfy.
func (p ScopeProfile) Missing(granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[strings.TrimSpace(g)] = true
	}

	var missing []string
	for _, req := range profiles[p] {
		if have[req] {
			continue
		}
		ok := false
		for _, b := range broader[req] {
			if have[b] {
				ok = true
				break
			}
		}
		if !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

// ParseScopes splits a space-separated OAuth scope string.
func ParseScopes(s string) []string {
	return strings.Fields(s)
}
