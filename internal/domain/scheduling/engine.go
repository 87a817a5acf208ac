package scheduling

import (
	"fmt"
	"sort"
)

// MaxSlotMinutes bounds the slot duration to one day.
const MaxSlotMinutes = minutesPerDay

// ValidateNoOverlap checks candidate against the templates already stored for
// the same doctor and weekday. Intervals are half-open, so a block starting
// exactly where another ends is fine. When editing, the stored copy of the
// candidate (same ID) is skipped.
func ValidateNoOverlap(existing []*ScheduleTemplate, candidate *ScheduleTemplate) error {
	others := make([]*ScheduleTemplate, 0, len(existing))
	for _, t := range existing {
		if t.ID == candidate.ID || t.DoctorID != candidate.DoctorID || t.DayOfWeek != candidate.DayOfWeek {
			continue
		}
		others = append(others, t)
	}
	sortTemplates(others)

	for _, t := range others {
		if t.StartTime >= candidate.EndTime {
			break
		}
		if candidate.StartTime < t.EndTime {
			return &ConflictError{Candidate: candidate, Existing: t}
		}
	}
	return nil
}

// DeriveSlots partitions each template into consecutive slots of
// durationMinutes on date. A trailing remainder shorter than the duration is
// dropped. Templates for other weekdays are ignored. The result is ordered by
// start time and is a pure function of its inputs.
func DeriveSlots(templates []*ScheduleTemplate, date Date, durationMinutes int) ([]DerivedSlot, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	day, err := ResolveWeekday(date)
	if err != nil {
		return nil, err
	}

	ordered := make([]*ScheduleTemplate, 0, len(templates))
	for _, t := range templates {
		if t.DayOfWeek == day {
			ordered = append(ordered, t)
		}
	}
	sortTemplates(ordered)

	slots := []DerivedSlot{}
	for _, t := range ordered {
		for cursor := t.StartTime; cursor.Add(durationMinutes) <= t.EndTime; cursor = cursor.Add(durationMinutes) {
			slots = append(slots, DerivedSlot{
				DoctorID:   t.DoctorID,
				TemplateID: t.ID,
				Date:       date,
				StartTime:  cursor,
				EndTime:    cursor.Add(durationMinutes),
				Capacity:   t.CapacityPerSlot,
			})
		}
	}
	return slots, nil
}

// GeneratesSlot reports whether t, partitioned with the slot's own length,
// emits exactly [start, end).
func (t *ScheduleTemplate) GeneratesSlot(start, end TimeOfDay) bool {
	d := int(end - start)
	if d <= 0 || start < t.StartTime || end > t.EndTime {
		return false
	}
	return int(start-t.StartTime)%d == 0
}

// ResolveSlotTemplate finds the live template that generates [start, end) on
// day, or ErrTemplateRemoved.
func ResolveSlotTemplate(templates []*ScheduleTemplate, day Weekday, start, end TimeOfDay) (*ScheduleTemplate, error) {
	for _, t := range templates {
		if t.DayOfWeek == day && t.GeneratesSlot(start, end) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s-%s", ErrTemplateRemoved, day, start, end)
}

// ComputeAvailability subtracts booked counts from slot capacity and drops
// slots with nothing left. A slot missing from bookedCounts has no bookings.
func ComputeAvailability(slots []DerivedSlot, bookedCounts map[SlotKey]int) []AvailableSlot {
	out := make([]AvailableSlot, 0, len(slots))
	for _, s := range slots {
		booked := bookedCounts[s.Key()]
		remaining := s.Capacity - booked
		if remaining <= 0 {
			continue
		}
		out = append(out, AvailableSlot{DerivedSlot: s, Booked: booked, Remaining: remaining})
	}
	return out
}

func validateDuration(minutes int) error {
	if minutes <= 0 || minutes > MaxSlotMinutes {
		return fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
	}
	return nil
}

func sortTemplates(ts []*ScheduleTemplate) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].StartTime != ts[j].StartTime {
			return ts[i].StartTime < ts[j].StartTime
		}
		return ts[i].EndTime < ts[j].EndTime
	})
}
