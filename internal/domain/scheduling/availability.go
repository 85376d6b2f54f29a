package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	MinSlotLength       = 5 * time.Minute
	MaxAvailabilitySpan = 7 * 24 * time.Hour
)

// Slot is a bookable [Start, End) interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FreeSlots cuts window into consecutive slots of length d starting at
// window.Start and returns those that overlap none of busy. A trailing
// remainder shorter than d is dropped.
func FreeSlots(window Interval, busy []Interval, d time.Duration) []Slot {
	if d <= 0 || !window.Valid() {
		return nil
	}
	sorted := make([]Interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var (
		slots []Slot
		next  int
	)
	for t := window.Start; !t.Add(d).After(window.End); t = t.Add(d) {
		cand := Interval{Start: t, End: t.Add(d)}
		// Busy intervals ending at or before this slot can never overlap a later one.
		for next < len(sorted) && !sorted[next].End.After(cand.Start) {
			next++
		}
		free := true
		for _, b := range sorted[next:] {
			if !b.Start.Before(cand.End) {
				break
			}
			if b.Overlaps(cand) {
				free = false
				break
			}
		}
		if free {
			slots = append(slots, Slot{Start: cand.Start, End: cand.End})
		}
	}
	return slots
}

// Availability returns the free slots of length slot for doctorID within
// window, considering only active appointments.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, window Interval, slot time.Duration) ([]Slot, error) {
	if doctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	if !window.Valid() {
		return nil, &InvalidIntervalError{Start: window.Start, End: window.End}
	}
	if window.End.Sub(window.Start) > MaxAvailabilitySpan {
		return nil, &ValidationError{Field: "to", Reason: "must be within 7 days of from"}
	}
	if slot < MinSlotLength {
		return nil, &ValidationError{Field: "slot_minutes", Reason: "must be at least 5"}
	}

	booked, err := s.checker.FindConflicts(ctx, doctorID, window, nil)
	if err != nil {
		return nil, err
	}
	busy := make([]Interval, len(booked))
	for i, a := range booked {
		busy[i] = a.Interval()
	}
	return FreeSlots(window, busy, slot), nil
}
