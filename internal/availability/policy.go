package availability

import (
	"fmt"
	"time"

	"convene/internal/models"
)

// Policy decides whether a meeting occupying slot may be proposed at all.
type Policy interface {
	Candidate(slot models.TimeSlot) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(slot models.TimeSlot) bool

func (f PolicyFunc) Candidate(slot models.TimeSlot) bool { return f(slot) }

// BusinessHours accepts slots that lie entirely inside working hours on a
// working day, both evaluated in Location.
type BusinessHours struct {
	Location *time.Location
	Weekdays []time.Weekday
	Open     time.Duration // Wall-clock time of day, e.g. 9h is 09:00
	Close    time.Duration
}

// DefaultBusinessHours is Monday to Friday, 09:00 to 17:00 in loc.
func DefaultBusinessHours(loc *time.Location) BusinessHours {
	if loc == nil {
		loc = time.UTC
	}
	return BusinessHours{
		Location: loc,
		Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Open:     9 * time.Hour,
		Close:    17 * time.Hour,
	}
}

// Validate checks the hours are a non-empty range within one day.
func (b BusinessHours) Validate() error {
	if b.Open < 0 || b.Close > 24*time.Hour || b.Open >= b.Close {
		return fmt.Errorf("business hours %s-%s are not a range within a day", b.Open, b.Close)
	}
	if len(b.Weekdays) == 0 {
		return fmt.Errorf("business hours need at least one weekday")
	}
	return nil
}

func (b BusinessHours) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// Workday reports whether t falls on one of the configured weekdays.
func (b BusinessHours) Workday(t time.Time) bool {
	wd := t.In(b.loc()).Weekday()
	for _, d := range b.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// Within reports whether slot starts and ends inside the working hours of
// the day it starts on.
func (b BusinessHours) Within(slot models.TimeSlot) bool {
	local := slot.Start.In(b.loc())
	open := b.wallClock(local, b.Open)
	closing := b.wallClock(local, b.Close)
	return !slot.Start.Before(open) && !slot.End.After(closing)
}

// wallClock returns the instant the local clock reads offset past midnight
// on day's date. Building it from the clock reading keeps 09:00 at 09:00 on
// days with a DST transition; an offset of 24h is the following midnight.
func (b BusinessHours) wallClock(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int(offset % time.Hour / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, b.loc())
}

// Candidate implements Policy.
func (b BusinessHours) Candidate(slot models.TimeSlot) bool {
	return b.Workday(slot.Start) && b.Within(slot)
}
