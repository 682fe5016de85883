package metrics

import (
	"time"

	"github.com/tmarchal/medispense/core/model"
)

// DispenseRecord captures the outcome of one dispensing event transition.
type DispenseRecord struct {
	EventID   string
	PatientID string
	DeviceID  string
	Status    model.EventStatus
	Quantity  int
	Latency   time.Duration
	Time      time.Time
}

// Sink records dispensing outcomes for observability purposes.
type Sink interface {
	RecordDispense(rec DispenseRecord) error
}

// InventoryLevelEvent is a compartment quantity snapshot.
type InventoryLevelEvent struct {
	CompartmentID string
	DeviceID      string
	MedicationID  string
	Quantity      int
	Capacity      int
	LowStock      bool
	Time          time.Time
}

// InventoryRecorder is implemented by sinks able to record stock levels.
type InventoryRecorder interface {
	RecordInventoryLevel(ev InventoryLevelEvent) error
}

// AlertRecord captures an alert being raised or escalated.
type AlertRecord struct {
	AlertID   string
	PatientID string
	Type      model.AlertType
	Severity  model.Severity
	Level     int
	Time      time.Time
}

// AlertRecorder records alert activity.
type AlertRecorder interface {
	RecordAlert(rec AlertRecord) error
}

// NotificationRecord captures one delivery attempt.
type NotificationRecord struct {
	AlertID   string
	Channel   string
	Recipient string
	Delivered bool
	Time      time.Time
}

// NotificationRecorder records notification delivery outcomes.
type NotificationRecorder interface {
	RecordNotification(rec NotificationRecord) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordDispense(DispenseRecord) error            { return nil }
func (NopSink) RecordInventoryLevel(InventoryLevelEvent) error { return nil }
func (NopSink) RecordAlert(AlertRecord) error                  { return nil }
func (NopSink) RecordNotification(NotificationRecord) error    { return nil }
