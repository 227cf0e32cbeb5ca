package models

import (
	"fmt"
	"time"
)

// TimeSlot is the half-open interval [Start, End).
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewSlot returns the slot starting at start lasting d.
func NewSlot(start time.Time, d time.Duration) TimeSlot {
	return TimeSlot{Start: start, End: start.Add(d)}
}

// Duration is the slot length; negative for inverted slots.
func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Valid reports whether the slot has a positive length.
func (s TimeSlot) Valid() bool {
	return s.End.After(s.Start)
}

// Equal compares instants, ignoring location.
func (s TimeSlot) Equal(o TimeSlot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// RankedSlot is a candidate meeting time with its desirability score.
type RankedSlot struct {
	TimeSlot
	Score     float64 `json:"score"`
	FreeRatio float64 `json:"freeRatio"` // Fraction of participants free for the slot
}
