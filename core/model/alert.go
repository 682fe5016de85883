package model

import "time"

// AlertType classifies the condition that raised an alert.
type AlertType int

const (
	AlertMissedDose AlertType = iota
	AlertLowInventory
	AlertDeviceFault
	AlertDeviceOffline
)

func (t AlertType) String() string {
	switch t {
	case AlertMissedDose:
		return "missed_dose"
	case AlertLowInventory:
		return "low_inventory"
	case AlertDeviceFault:
		return "device_fault"
	case AlertDeviceOffline:
		return "device_offline"
	default:
		return "unknown"
	}
}

// Severity orders alerts by urgency.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus int

const (
	AlertActive AlertStatus = iota
	AlertAcknowledged
	AlertResolved
	AlertDismissed
)

func (s AlertStatus) String() string {
	switch s {
	case AlertActive:
		return "active"
	case AlertAcknowledged:
		return "acknowledged"
	case AlertResolved:
		return "resolved"
	case AlertDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Alert is a raised condition tracked through acknowledgment or resolution.
// EscalationLevel is monotonically non-decreasing while the alert is active.
type Alert struct {
	ID           string
	PatientID    string
	MedicationID string
	DeviceID     string
	EventID      string

	Type            AlertType
	Severity        Severity
	Status          AlertStatus
	EscalationLevel int
	Message         string

	CreatedAt      time.Time
	LastEscalated  time.Time
	AcknowledgedBy string
}

// Fingerprint identifies the deduplication key for active alerts: raising
// the same condition twice reuses the existing alert.
func (a Alert) Fingerprint() string {
	return a.PatientID + "|" + a.Type.String() + "|" + a.MedicationID + "|" + a.DeviceID
}

// NotificationRecord is an append-only delivery log entry for one alert
// notification attempt. Records are never mutated after creation.
type NotificationRecord struct {
	ID        string
	AlertID   string
	Channel   string
	Recipient string
	SentAt    time.Time
	Delivered bool
	Error     string
}
