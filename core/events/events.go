// Package events defines the notifications published on the engine's event
// bus. The realtime hub and metrics recorders subscribe to these.
package events

import (
	"time"

	"github.com/tmarchal/medispense/core/model"
)

// Event is implemented by every bus event. Topic matches the channel name
// delivered to realtime clients; Patient identifies the user channel the
// event belongs to (empty for device-only events).
type Event interface {
	Topic() string
	Patient() string
}

// TransitionEvent is published for every dispensing event state change.
type TransitionEvent struct {
	Event     model.DispensingEvent
	From      model.EventStatus
	To        model.EventStatus
	Actor     string
	Timestamp time.Time
}

func (e TransitionEvent) Topic() string {
	switch e.To {
	case model.StatusDispensed:
		return "medication:dispensed"
	default:
		return "medication:updated"
	}
}

func (e TransitionEvent) Patient() string { return e.Event.PatientID }

// ScheduledEvent is published when the expander materializes new events.
type ScheduledEvent struct {
	ScheduleID string
	PatientID  string
	Count      int
	Horizon    time.Time
}

func (e ScheduledEvent) Topic() string   { return "medication:scheduled" }
func (e ScheduledEvent) Patient() string { return e.PatientID }

// DispenseNotice is published toward the device channel when an outbound
// dispense command is sent.
type DispenseNotice struct {
	DeviceID  string
	EventID   string
	CommandID string
}

func (DispenseNotice) Topic() string   { return "schedule:dispense" }
func (DispenseNotice) Patient() string { return "" }

// DeviceUpdated is published when status telemetry changes device health.
type DeviceUpdated struct {
	Device model.Device
}

func (DeviceUpdated) Topic() string     { return "device:updated" }
func (e DeviceUpdated) Patient() string { return e.Device.PatientID }

// AlertEvent is published when an alert is raised or escalated.
type AlertEvent struct {
	Alert     model.Alert
	Escalated bool
}

func (e AlertEvent) Topic() string {
	if e.Escalated {
		return "alert:escalated"
	}
	return "alert:raised"
}

func (e AlertEvent) Patient() string { return e.Alert.PatientID }

// InventoryEvent is published when a compartment quantity changes.
type InventoryEvent struct {
	Compartment model.Compartment
	Prior       int
	LowStock    bool
	Cause       string
}

func (InventoryEvent) Topic() string   { return "inventory:updated" }
func (InventoryEvent) Patient() string { return "" }

// AdherenceEvent carries recomputed adherence statistics for a patient.
type AdherenceEvent struct {
	PatientID string
	Stats     AdherenceStats
}

func (AdherenceEvent) Topic() string     { return "adherence:stats" }
func (e AdherenceEvent) Patient() string { return e.PatientID }

// AdherenceStats summarizes terminal event outcomes over a period.
type AdherenceStats struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Taken   int       `json:"taken"`
	Missed  int       `json:"missed"`
	Skipped int       `json:"skipped"`
	Rate    float64   `json:"rate"`
}
