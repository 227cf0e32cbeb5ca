// Package interval implements set operations over half-open time intervals.
//
// Every function is pure: inputs are never mutated and need not be sorted or
// disjoint. Results are sorted by start time.
package interval

import (
	"slices"

	"convene/internal/models"
)

// Overlaps reports whether a and b share at least one instant. Intervals
// that only touch at a boundary do not overlap.
func Overlaps(a, b models.TimeSlot) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner models.TimeSlot) bool {
	return !inner.Start.Before(outer.Start) && !inner.End.After(outer.End)
}

// Clamp trims s to window. The second result is false when nothing remains.
func Clamp(s, window models.TimeSlot) (models.TimeSlot, bool) {
	if s.Start.Before(window.Start) {
		s.Start = window.Start
	}
	if s.End.After(window.End) {
		s.End = window.End
	}
	return s, s.Valid()
}

// Subtract removes every busy interval from the free intervals. Each free
// interval is split into zero, one or two pieces per overlapping busy
// interval; empty pieces are dropped.
func Subtract(free, busy []models.TimeSlot) []models.TimeSlot {
	out := make([]models.TimeSlot, 0, len(free))
	for _, f := range free {
		if f.Valid() {
			out = append(out, f)
		}
	}

	for _, b := range busy {
		if !b.Valid() {
			continue
		}
		next := out[:0:0]
		for _, f := range out {
			if !Overlaps(f, b) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(b.Start) {
				next = append(next, models.TimeSlot{Start: f.Start, End: b.Start})
			}
			if b.End.Before(f.End) {
				next = append(next, models.TimeSlot{Start: b.End, End: f.End})
			}
		}
		out = next
	}

	sortByStart(out)
	return out
}

// IntersectAll returns the parts of window where every participant is free,
// given each participant's busy intervals. With no participants the whole
// window is free.
func IntersectAll(window models.TimeSlot, busyPerParticipant [][]models.TimeSlot) []models.TimeSlot {
	free := []models.TimeSlot{window}
	for _, busy := range busyPerParticipant {
		free = Subtract(free, busy)
		if len(free) == 0 {
			break
		}
	}
	return free
}

// Merge returns the union of slots as a sorted list of disjoint intervals.
// Adjacent intervals are coalesced.
func Merge(slots []models.TimeSlot) []models.TimeSlot {
	in := make([]models.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Valid() {
			in = append(in, s)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sortByStart(in)

	out := []models.TimeSlot{in[0]}
	for _, s := range in[1:] {
		last := &out[len(out)-1]
		if !s.Start.After(last.End) {
			if s.End.After(last.End) {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Covered reports whether slot lies entirely inside one of the free intervals.
func Covered(slot models.TimeSlot, free []models.TimeSlot) bool {
	for _, f := range free {
		if Contains(f, slot) {
			return true
		}
	}
	return false
}

func sortByStart(s []models.TimeSlot) {
	slices.SortStableFunc(s, func(a, b models.TimeSlot) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})
}
