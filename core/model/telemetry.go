package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind tags inbound telemetry envelopes.
type MessageKind string

const (
	KindStatus        MessageKind = "status"
	KindDispensed     MessageKind = "dispensed-confirmation"
	KindInventorySync MessageKind = "inventory-sync"
	KindAlert         MessageKind = "alert"
)

// TelemetryMessage is the closed set of inbound device messages. The
// concrete variants are StatusMessage, DispensedConfirmation, InventorySync
// and DeviceAlert; routing switches exhaustively over them.
type TelemetryMessage interface {
	Kind() MessageKind
	telemetryMessage()
}

// StatusMessage reports device health.
type StatusMessage struct {
	BatteryLevel    *int    `json:"batteryLevel,omitempty"`
	Online          *bool   `json:"online,omitempty"`
	FirmwareVersion *string `json:"firmwareVersion,omitempty"`
}

func (StatusMessage) Kind() MessageKind { return KindStatus }
func (StatusMessage) telemetryMessage() {}

// DispensedConfirmation reports the outcome of a dispense command.
type DispensedConfirmation struct {
	EventID        string `json:"eventId"`
	CompartmentID  string `json:"compartmentId"`
	Success        bool   `json:"success"`
	ActualQuantity *int   `json:"actualQuantity,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

func (DispensedConfirmation) Kind() MessageKind { return KindDispensed }
func (DispensedConfirmation) telemetryMessage() {}

// InventorySync carries a device-counted absolute compartment quantity.
type InventorySync struct {
	CompartmentID string `json:"compartmentId"`
	Quantity      int    `json:"quantity"`
}

func (InventorySync) Kind() MessageKind { return KindInventorySync }
func (InventorySync) telemetryMessage() {}

// DeviceAlert is a fault condition reported by the device itself.
type DeviceAlert struct {
	AlertType string `json:"alertType"`
	Severity  string `json:"severity"`
	Message   string `json:"message,omitempty"`
}

func (DeviceAlert) Kind() MessageKind { return KindAlert }
func (DeviceAlert) telemetryMessage() {}

// TelemetryEnvelope is the wire form of an inbound device message.
type TelemetryEnvelope struct {
	DeviceID  string          `json:"deviceId"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeTelemetry parses the envelope payload into its tagged variant.
func DecodeTelemetry(env TelemetryEnvelope) (TelemetryMessage, error) {
	switch env.Kind {
	case KindStatus:
		var m StatusMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("status payload: %w", err)
		}
		return m, nil
	case KindDispensed:
		var m DispensedConfirmation
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("dispensed payload: %w", err)
		}
		if m.EventID == "" || m.CompartmentID == "" {
			return nil, fmt.Errorf("dispensed payload missing event or compartment id")
		}
		return m, nil
	case KindInventorySync:
		var m InventorySync
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("inventory payload: %w", err)
		}
		if m.CompartmentID == "" {
			return nil, fmt.Errorf("inventory payload missing compartment id")
		}
		if m.Quantity < 0 {
			return nil, fmt.Errorf("inventory payload negative quantity")
		}
		return m, nil
	case KindAlert:
		var m DeviceAlert
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("alert payload: %w", err)
		}
		if m.AlertType == "" {
			return nil, fmt.Errorf("alert payload missing type")
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
}

// CommandKind tags outbound device commands.
type CommandKind string

const (
	CommandDispense             CommandKind = "dispense"
	CommandCalibrate            CommandKind = "calibrate"
	CommandConfigureCompartment CommandKind = "configure-compartment"
)

// DeviceCommand is the outbound command envelope sent to a device.
type DeviceCommand struct {
	CommandID string      `json:"commandId"`
	DeviceID  string      `json:"deviceId"`
	Kind      CommandKind `json:"commandKind"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// DispensePayload asks the device to release one scheduled dose.
type DispensePayload struct {
	EventID       string `json:"eventId"`
	CompartmentID string `json:"compartmentId"`
	Quantity      int    `json:"quantity"`
}
