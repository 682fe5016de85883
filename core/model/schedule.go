package model

import (
	"fmt"
	"sort"
	"time"
)

// Schedule defines a recurring prescription: which medication is taken at
// which times of day on which weekdays, within an active date range.
type Schedule struct {
	ID           string
	PatientID    string
	MedicationID string

	// TimesOfDay holds "HH:MM" entries in the schedule's local day.
	TimesOfDay []string
	// Weekdays uses 0 for Sunday through 6 for Saturday.
	Weekdays []int

	StartDate time.Time
	// EndDate is zero when the schedule is open-ended.
	EndDate time.Time

	// DoseQuantity is the number of units released per occurrence.
	DoseQuantity int
	Active       bool

	// DeviceID and CompartmentID are set when the schedule is bound to a
	// physical dispenser compartment. Both are empty for manual schedules.
	DeviceID      string
	CompartmentID string
}

// Validate checks the schedule definition before it is accepted.
func (s Schedule) Validate() error {
	if s.PatientID == "" {
		return fmt.Errorf("schedule requires a patient")
	}
	if s.MedicationID == "" {
		return fmt.Errorf("schedule requires a medication")
	}
	if s.DoseQuantity <= 0 {
		return fmt.Errorf("dose quantity must be positive")
	}
	for _, d := range s.Weekdays {
		if d < 0 || d > 6 {
			return fmt.Errorf("weekday %d out of range", d)
		}
	}
	for _, tod := range s.TimesOfDay {
		if _, err := ParseTimeOfDay(tod); err != nil {
			return err
		}
	}
	if !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("end date precedes start date")
	}
	if (s.DeviceID == "") != (s.CompartmentID == "") {
		return fmt.Errorf("device and compartment must be bound together")
	}
	return nil
}

// HasWeekday reports whether the given weekday is part of the recurrence.
func (s Schedule) HasWeekday(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if w == int(d) {
			return true
		}
	}
	return false
}

// CoversDate reports whether day falls inside the schedule's active range.
// Only the calendar date is considered.
func (s Schedule) CoversDate(day time.Time) bool {
	d := truncateToDay(day)
	if d.Before(truncateToDay(s.StartDate)) {
		return false
	}
	if !s.EndDate.IsZero() && d.After(truncateToDay(s.EndDate)) {
		return false
	}
	return true
}

// SortedTimes returns the configured times of day in ascending order.
func (s Schedule) SortedTimes() []string {
	out := append([]string(nil), s.TimesOfDay...)
	sort.Strings(out)
	return out
}

// TimeOfDay is a clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an "HH:MM" string. Anything but exactly two
// zero-padded fields is rejected.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// At anchors the time of day on the given date in loc.
func (t TimeOfDay) At(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
