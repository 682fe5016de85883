// Package store defines the persistence boundary of the orchestration
// engine. Implementations must make every write attributable to an actor
// for audit purposes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tmarchal/medispense/core/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// EventFilter selects dispensing events. Zero fields are ignored.
type EventFilter struct {
	ScheduleID string
	PatientID  string
	DeviceID   string
	Status     *model.EventStatus
	From       time.Time
	To         time.Time
}

// AlertFilter selects alerts. Zero fields are ignored.
type AlertFilter struct {
	PatientID string
	DeviceID  string
	Status    *model.AlertStatus
}

// ScheduleStore persists prescription schedules.
type ScheduleStore interface {
	Schedule(ctx context.Context, id string) (model.Schedule, error)
	Schedules(ctx context.Context, patientID string, activeOnly bool) ([]model.Schedule, error)
	SaveSchedule(ctx context.Context, s model.Schedule, actor string) error
}

// EventStore persists dispensing events. Events are created in bulk by the
// expander and updated one at a time by the state machine.
type EventStore interface {
	Event(ctx context.Context, id string) (model.DispensingEvent, error)
	Events(ctx context.Context, f EventFilter) ([]model.DispensingEvent, error)
	InsertEvents(ctx context.Context, evs []model.DispensingEvent, actor string) error
	UpdateEvent(ctx context.Context, ev model.DispensingEvent, actor string) error
	// DeleteScheduledEvents removes not-yet-resolved events of a schedule
	// due at or after the cutoff and returns how many were deleted.
	// Events that have left the scheduled state are never touched.
	DeleteScheduledEvents(ctx context.Context, scheduleID string, after time.Time, actor string) (int, error)
}

// DeviceStore persists devices and compartments.
type DeviceStore interface {
	Device(ctx context.Context, id string) (model.Device, error)
	SaveDevice(ctx context.Context, d model.Device, actor string) error
	Compartment(ctx context.Context, id string) (model.Compartment, error)
	CompartmentsByDevice(ctx context.Context, deviceID string) ([]model.Compartment, error)
	SaveCompartment(ctx context.Context, c model.Compartment, actor string) error
}

// AlertStore persists alerts and their append-only notification log.
type AlertStore interface {
	Alert(ctx context.Context, id string) (model.Alert, error)
	Alerts(ctx context.Context, f AlertFilter) ([]model.Alert, error)
	// ActiveAlertByFingerprint returns the active alert matching the
	// fingerprint, or ErrNotFound.
	ActiveAlertByFingerprint(ctx context.Context, fp string) (model.Alert, error)
	SaveAlert(ctx context.Context, a model.Alert, actor string) error
	AppendNotification(ctx context.Context, n model.NotificationRecord) error
	NotificationsByAlert(ctx context.Context, alertID string) ([]model.NotificationRecord, error)
}

// Store aggregates all persistence concerns of the engine.
type Store interface {
	ScheduleStore
	EventStore
	DeviceStore
	AlertStore
}
