package model

import "time"

// EventStatus is the lifecycle state of a dispensing event.
type EventStatus int

const (
	StatusScheduled EventStatus = iota
	StatusDispensed
	StatusTaken
	StatusMissed
	StatusSkipped
	StatusCancelled
)

// String returns a human-readable representation of the status.
func (s EventStatus) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusDispensed:
		return "dispensed"
	case StatusTaken:
		return "taken"
	case StatusMissed:
		return "missed"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s EventStatus) Terminal() bool {
	switch s {
	case StatusTaken, StatusMissed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// DispensingEvent is one concrete occurrence of a scheduled dose. Events are
// bulk-created by the schedule expander and mutated only through the state
// machine.
type DispensingEvent struct {
	ID            string
	ScheduleID    string
	PatientID     string
	MedicationID  string
	DeviceID      string
	CompartmentID string

	ScheduledAt time.Time
	Quantity    int
	Status      EventStatus

	// ConsumedQuantity is the amount actually taken from the compartment
	// on the dispensed transition. A later skip restores exactly this
	// amount.
	ConsumedQuantity int

	// DispensedAt and ResolvedAt are zero until the corresponding
	// transition happens.
	DispensedAt time.Time
	ResolvedAt  time.Time
}

// Due reports whether the event's grace window has elapsed at now.
func (e DispensingEvent) Due(now time.Time, grace time.Duration) bool {
	return now.After(e.ScheduledAt.Add(grace))
}
