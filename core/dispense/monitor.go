package dispense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// DeviceCommander sends outbound commands toward a device. Sending is
// fire-and-forget: a failure is returned to the caller as a retryable
// condition and the confirmation, if any, arrives later as telemetry.
type DeviceCommander interface {
	SendCommand(ctx context.Context, deviceID string, kind model.CommandKind, payload any) (commandID string, err error)
}

// Monitor is the timer-driven side of the engine: it issues dispense
// commands for events whose scheduled time has arrived and transitions
// events to missed once the grace window elapses without confirmation.
type Monitor struct {
	sm        *StateMachine
	store     store.EventStore
	commander DeviceCommander
	bus       *eventbus.Bus[events.Event]
	log       logger.Logger
	grace     time.Duration
	interval  time.Duration
	now       func() time.Time

	commanded map[string]bool
}

// NewMonitor creates a Monitor. grace defaults to 30 minutes and interval
// to one minute.
func NewMonitor(sm *StateMachine, st store.EventStore, commander DeviceCommander, bus *eventbus.Bus[events.Event], log logger.Logger, grace, interval time.Duration) (*Monitor, error) {
	if sm == nil || st == nil {
		return nil, fmt.Errorf("dispense: nil parameter provided to NewMonitor")
	}
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		sm:        sm,
		store:     st,
		commander: commander,
		bus:       bus,
		log:       log,
		grace:     grace,
		interval:  interval,
		now:       time.Now,
		commanded: map[string]bool{},
	}, nil
}

// SetClock overrides the clock, for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Run sweeps periodically until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass: overdue events past the grace window become
// missed; due events still inside the window get a dispense command.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	pending := model.StatusScheduled
	due, err := m.store.Events(ctx, store.EventFilter{Status: &pending, To: now})
	if err != nil {
		if m.log != nil {
			m.log.Errorf("monitor: list due events: %v", err)
		}
		return
	}
	dispensed := model.StatusDispensed
	unconfirmed, err := m.store.Events(ctx, store.EventFilter{Status: &dispensed, To: now.Add(-m.grace)})
	if err != nil {
		if m.log != nil {
			m.log.Errorf("monitor: list unconfirmed events: %v", err)
		}
		return
	}

	active := make(map[string]bool, len(due))
	for _, ev := range due {
		active[ev.ID] = true
		if ev.Due(now, m.grace) {
			m.markMissed(ctx, ev)
			continue
		}
		m.command(ctx, ev)
	}
	for _, ev := range unconfirmed {
		if ev.Due(now, m.grace) {
			m.markMissed(ctx, ev)
		}
	}
	// Forget command bookkeeping for events that resolved.
	for id := range m.commanded {
		if !active[id] {
			delete(m.commanded, id)
		}
	}
}

func (m *Monitor) markMissed(ctx context.Context, ev model.DispensingEvent) {
	err := m.sm.MarkMissed(ctx, ev.ID)
	switch {
	case err == nil:
		missedDetected.Inc()
		if m.log != nil {
			m.log.Warnf("event %s missed (scheduled %s)", ev.ID, ev.ScheduledAt.Format(time.RFC3339))
		}
	case errors.Is(err, ErrConflict):
		// A confirmation won the race; nothing to do.
	default:
		if m.log != nil {
			m.log.Errorf("monitor: mark missed %s: %v", ev.ID, err)
		}
	}
}

func (m *Monitor) command(ctx context.Context, ev model.DispensingEvent) {
	if m.commander == nil || ev.DeviceID == "" || m.commanded[ev.ID] {
		return
	}
	cmdID, err := m.commander.SendCommand(ctx, ev.DeviceID, model.CommandDispense, model.DispensePayload{
		EventID:       ev.ID,
		CompartmentID: ev.CompartmentID,
		Quantity:      ev.Quantity,
	})
	if err != nil {
		// Transient: the device may be offline. Retried on the next
		// sweep; the event stays scheduled.
		commandFailures.Inc()
		if m.log != nil {
			m.log.Warnf("dispense command for event %s: %v", ev.ID, err)
		}
		return
	}
	m.commanded[ev.ID] = true
	if m.bus != nil {
		m.bus.Publish(events.DispenseNotice{DeviceID: ev.DeviceID, EventID: ev.ID, CommandID: cmdID})
	}
	if m.log != nil {
		m.log.Infof("sent dispense command %s for event %s to device %s", cmdID, ev.ID, ev.DeviceID)
	}
}
