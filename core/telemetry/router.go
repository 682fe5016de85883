// Package telemetry demultiplexes inbound device messages and is the single
// path for outbound device commands. Telemetry for unknown devices is
// dropped with a logged outcome; nothing in this package errors across the
// transport boundary for expected conditions.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmarchal/medispense/core/devicestatus"
	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

var (
	// ErrDeviceUnreachable is returned when an outbound command cannot be
	// sent. Callers treat this as transient and may retry.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrUnknownDevice marks telemetry from unregistered devices.
	ErrUnknownDevice = errors.New("unknown device")
)

// Sender is the raw outbound device channel, implemented by infra/mqtt.
type Sender interface {
	Send(ctx context.Context, cmd model.DeviceCommand) error
}

// Confirmer applies dispensed confirmations, implemented by the state
// machine.
type Confirmer interface {
	ConfirmDispensed(ctx context.Context, conf model.DispensedConfirmation, deviceID string) error
}

// Syncer applies device-reported absolute counts, implemented by the
// inventory ledger.
type Syncer interface {
	SetAbsolute(ctx context.Context, compartmentID string, qty int, actor string) error
}

// Alerter raises device-originated alerts.
type Alerter interface {
	Raise(ctx context.Context, a model.Alert) (model.Alert, error)
}

// Router routes inbound telemetry by device identity and message kind and
// sends outbound commands.
type Router struct {
	devices   store.DeviceStore
	confirmer Confirmer
	syncer    Syncer
	alerter   Alerter
	health    devicestatus.Store
	sender    Sender
	bus       *eventbus.Bus[events.Event]
	log       logger.Logger
	now       func() time.Time
}

// NewRouter creates a Router.
func NewRouter(devices store.DeviceStore, confirmer Confirmer, syncer Syncer, alerter Alerter, health devicestatus.Store, sender Sender, bus *eventbus.Bus[events.Event], log logger.Logger) (*Router, error) {
	if devices == nil || confirmer == nil || syncer == nil {
		return nil, fmt.Errorf("telemetry: nil parameter provided to NewRouter")
	}
	return &Router{
		devices:   devices,
		confirmer: confirmer,
		syncer:    syncer,
		alerter:   alerter,
		health:    health,
		sender:    sender,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// SetSender attaches the outbound transport once it is connected.
func (r *Router) SetSender(s Sender) { r.sender = s }

// HandleEnvelope processes one inbound message. Unknown devices and
// malformed payloads are dropped per-message; other in-flight messages are
// unaffected.
func (r *Router) HandleEnvelope(ctx context.Context, env model.TelemetryEnvelope) {
	dev, err := r.devices.Device(ctx, env.DeviceID)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("dropped %s telemetry: %v: %s", env.Kind, ErrUnknownDevice, env.DeviceID)
		}
		return
	}
	msg, err := model.DecodeTelemetry(env)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("rejected %s telemetry from %s: %v", env.Kind, env.DeviceID, err)
		}
		return
	}

	switch m := msg.(type) {
	case model.StatusMessage:
		r.handleStatus(ctx, dev, m, env.Timestamp)
	case model.DispensedConfirmation:
		r.handleConfirmation(ctx, dev, m, env.Timestamp)
	case model.InventorySync:
		if err := r.syncer.SetAbsolute(ctx, m.CompartmentID, m.Quantity, "device:"+dev.ID); err != nil && r.log != nil {
			r.log.Errorf("inventory sync from %s: %v", dev.ID, err)
		}
	case model.DeviceAlert:
		r.handleAlert(ctx, dev, m)
	}
}

func (r *Router) handleStatus(ctx context.Context, dev model.Device, m model.StatusMessage, at time.Time) {
	if m.BatteryLevel != nil {
		dev.BatteryLevel = *m.BatteryLevel
	}
	if m.Online != nil {
		dev.Online = *m.Online
	}
	if m.FirmwareVersion != nil {
		dev.FirmwareVersion = *m.FirmwareVersion
	}
	if err := r.devices.SaveDevice(ctx, dev, "device:"+dev.ID); err != nil {
		if r.log != nil {
			r.log.Errorf("save device %s: %v", dev.ID, err)
		}
		return
	}
	if r.health != nil {
		st, _ := r.health.Get(dev.ID)
		st.DeviceID = dev.ID
		st.PatientID = dev.PatientID
		st.Online = dev.Online
		st.BatteryLevel = dev.BatteryLevel
		st.FirmwareVersion = dev.FirmwareVersion
		if at.IsZero() {
			at = r.now()
		}
		st.LastSeen = at
		r.health.Set(st)
	}
	if r.bus != nil {
		r.bus.Publish(events.DeviceUpdated{Device: dev})
	}
}

func (r *Router) handleConfirmation(ctx context.Context, dev model.Device, m model.DispensedConfirmation, at time.Time) {
	if err := r.confirmer.ConfirmDispensed(ctx, m, dev.ID); err != nil && r.log != nil {
		r.log.Errorf("confirmation for event %s from %s: %v", m.EventID, dev.ID, err)
	}
	if r.health != nil {
		if at.IsZero() {
			at = r.now()
		}
		r.health.RecordDispense(dev.ID, devicestatus.LastDispense{
			EventID:   m.EventID,
			Success:   m.Success,
			Timestamp: at,
		})
	}
}

func (r *Router) handleAlert(ctx context.Context, dev model.Device, m model.DeviceAlert) {
	if r.alerter == nil {
		return
	}
	if _, err := r.alerter.Raise(ctx, model.Alert{
		PatientID: dev.PatientID,
		DeviceID:  dev.ID,
		Type:      model.AlertDeviceFault,
		Severity:  parseSeverity(m.Severity),
		Message:   fmt.Sprintf("%s: %s", m.AlertType, m.Message),
	}); err != nil && r.log != nil {
		r.log.Errorf("device alert from %s: %v", dev.ID, err)
	}
}

// SendCommand builds the outbound envelope and hands it to the transport.
// A transport failure is returned as ErrDeviceUnreachable; the caller may
// retry later and the confirmation, if any, arrives as telemetry.
func (r *Router) SendCommand(ctx context.Context, deviceID string, kind model.CommandKind, payload any) (string, error) {
	if r.sender == nil {
		return "", fmt.Errorf("%w: no transport configured", ErrDeviceUnreachable)
	}
	if _, err := r.devices.Device(ctx, deviceID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	cmd := model.DeviceCommand{
		CommandID: uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: r.now().UnixMilli(),
	}
	if err := r.sender.Send(ctx, cmd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return cmd.CommandID, nil
}

func parseSeverity(s string) model.Severity {
	switch s {
	case "low":
		return model.SeverityLow
	case "medium":
		return model.SeverityMedium
	case "critical":
		return model.SeverityCritical
	default:
		return model.SeverityHigh
	}
}
