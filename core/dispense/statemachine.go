// Package dispense owns the lifecycle of dispensing events. Transitions are
// applied as a compare-and-set on the current status under a per-event
// lock, so a telemetry-driven confirmation and a timer-driven missed
// detection can never both succeed for the same event.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/inventory"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

var (
	// ErrUnknownEvent is returned for event ids not present in the store.
	ErrUnknownEvent = errors.New("unknown dispensing event")
	// ErrConflict is returned to the losing side when two sources race on
	// one event. The loser's transition is discarded, never retried.
	ErrConflict = errors.New("concurrent transition conflict")
	// ErrInvalidTransition is returned when the requested transition is
	// not defined from the event's current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Alerter raises alerts on missed doses and device faults. Implemented by
// the alert escalation engine.
type Alerter interface {
	Raise(ctx context.Context, a model.Alert) (model.Alert, error)
}

// StateMachine applies the defined transitions to dispensing events and
// keeps the inventory ledger consistent with them.
type StateMachine struct {
	store  store.Store
	ledger *inventory.Ledger
	alerts Alerter
	bus    *eventbus.Bus[events.Event]
	sink   metrics.Sink
	log    logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(st store.Store, ledger *inventory.Ledger, alerts Alerter, bus *eventbus.Bus[events.Event], sink metrics.Sink, log logger.Logger) (*StateMachine, error) {
	if st == nil || ledger == nil {
		return nil, fmt.Errorf("dispense: nil parameter provided to NewStateMachine")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &StateMachine{
		store:  st,
		ledger: ledger,
		alerts: alerts,
		bus:    bus,
		sink:   sink,
		log:    log,
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}, nil
}

// SetClock overrides the clock, for tests.
func (m *StateMachine) SetClock(now func() time.Time) { m.now = now }

func (m *StateMachine) lock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// ConfirmDispensed applies a device dispensed-confirmation. A repeated
// confirmation for an already-dispensed or terminal event is a no-op. A
// failed confirmation leaves the event scheduled, raises a device-fault
// alert and does not touch inventory. An inventory-consume failure aborts
// the transition the same way.
func (m *StateMachine) ConfirmDispensed(ctx context.Context, conf model.DispensedConfirmation, deviceID string) error {
	l := m.lock(conf.EventID)
	l.Lock()
	defer l.Unlock()

	ev, err := m.store.Event(ctx, conf.EventID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, conf.EventID)
	}
	if ev.Status != model.StatusScheduled {
		// Duplicate telemetry after the transition (or after a terminal
		// state) is tolerated silently.
		return nil
	}

	if !conf.Success {
		m.raiseFault(ctx, ev, deviceID, conf.ErrorMessage)
		return nil
	}

	qty := ev.Quantity
	if conf.ActualQuantity != nil && *conf.ActualQuantity > 0 {
		qty = *conf.ActualQuantity
	}
	if err := m.ledger.Consume(ctx, ev.CompartmentID, qty, "statemachine"); err != nil {
		m.raiseFault(ctx, ev, deviceID, err.Error())
		return err
	}

	from := ev.Status
	ev.Status = model.StatusDispensed
	ev.ConsumedQuantity = qty
	ev.DispensedAt = m.now()
	if err := m.store.UpdateEvent(ctx, ev, "statemachine"); err != nil {
		return err
	}
	m.published(ev, from, "device:"+deviceID)
	return nil
}

// ConfirmTaken records the human/device ingestion confirmation.
func (m *StateMachine) ConfirmTaken(ctx context.Context, eventID, actor string) error {
	return m.transition(ctx, eventID, actor, func(ev *model.DispensingEvent) error {
		switch ev.Status {
		case model.StatusTaken:
			return nil // idempotent
		case model.StatusDispensed:
			ev.Status = model.StatusTaken
			ev.ResolvedAt = m.now()
			return nil
		case model.StatusScheduled:
			return fmt.Errorf("%w: taken before dispensed", ErrInvalidTransition)
		default:
			return fmt.Errorf("%w: event already %s", ErrConflict, ev.Status)
		}
	})
}

// Skip marks the event skipped. If medication was already dispensed the
// consumed quantity is returned to the compartment.
func (m *StateMachine) Skip(ctx context.Context, eventID, actor string) error {
	return m.transition(ctx, eventID, actor, func(ev *model.DispensingEvent) error {
		switch ev.Status {
		case model.StatusSkipped:
			return nil // idempotent
		case model.StatusScheduled:
			ev.Status = model.StatusSkipped
			ev.ResolvedAt = m.now()
			return nil
		case model.StatusDispensed:
			if ev.ConsumedQuantity > 0 {
				if err := m.ledger.Restore(ctx, ev.CompartmentID, ev.ConsumedQuantity, actor); err != nil {
					return err
				}
			}
			ev.Status = model.StatusSkipped
			ev.ResolvedAt = m.now()
			return nil
		default:
			return fmt.Errorf("%w: event already %s", ErrConflict, ev.Status)
		}
	})
}

// Cancel resolves an event whose schedule was paused or deleted before it
// fired. Inventory is not touched.
func (m *StateMachine) Cancel(ctx context.Context, eventID, actor string) error {
	return m.transition(ctx, eventID, actor, func(ev *model.DispensingEvent) error {
		switch ev.Status {
		case model.StatusCancelled:
			return nil // idempotent
		case model.StatusScheduled:
			ev.Status = model.StatusCancelled
			ev.ResolvedAt = m.now()
			return nil
		default:
			return fmt.Errorf("%w: event already %s", ErrConflict, ev.Status)
		}
	})
}

// CancelSchedule synchronously cancels every not-yet-resolved future event
// of the schedule. It is called when a schedule is paused or deactivated.
func (m *StateMachine) CancelSchedule(ctx context.Context, scheduleID, actor string) (int, error) {
	pending := model.StatusScheduled
	evs, err := m.store.Events(ctx, store.EventFilter{ScheduleID: scheduleID, Status: &pending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range evs {
		if err := m.Cancel(ctx, ev.ID, actor); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	if m.log != nil {
		m.log.Infof("cancelled %d pending events for schedule %s", n, scheduleID)
	}
	return n, nil
}

// MarkMissed transitions an overdue event to missed and raises the
// missed-dose alert. The compare-and-set guarantees the alert fires at most
// once per event.
func (m *StateMachine) MarkMissed(ctx context.Context, eventID string) error {
	err := m.transition(ctx, eventID, "monitor", func(ev *model.DispensingEvent) error {
		switch ev.Status {
		case model.StatusScheduled, model.StatusDispensed:
			ev.Status = model.StatusMissed
			ev.ResolvedAt = m.now()
			return nil
		case model.StatusMissed:
			return fmt.Errorf("%w: already missed", ErrConflict)
		default:
			return fmt.Errorf("%w: event already %s", ErrConflict, ev.Status)
		}
	})
	if err != nil {
		return err
	}
	ev, gerr := m.store.Event(ctx, eventID)
	if gerr == nil && m.alerts != nil {
		if _, aerr := m.alerts.Raise(ctx, model.Alert{
			PatientID:    ev.PatientID,
			MedicationID: ev.MedicationID,
			DeviceID:     ev.DeviceID,
			EventID:      ev.ID,
			Type:         model.AlertMissedDose,
			Severity:     model.SeverityHigh,
			Message:      fmt.Sprintf("dose scheduled at %s was not taken", ev.ScheduledAt.Format(time.RFC3339)),
		}); aerr != nil && m.log != nil {
			m.log.Errorf("missed-dose alert: %v", aerr)
		}
	}
	return nil
}

// transition loads the event under its lock, applies fn as a compare-and-set
// and persists the result. fn mutates the event only when the transition is
// legal from the observed state.
func (m *StateMachine) transition(ctx context.Context, eventID, actor string, fn func(*model.DispensingEvent) error) error {
	l := m.lock(eventID)
	l.Lock()
	defer l.Unlock()

	ev, err := m.store.Event(ctx, eventID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	from := ev.Status
	if err := fn(&ev); err != nil {
		return err
	}
	if ev.Status == from {
		return nil // idempotent no-op
	}
	if err := m.store.UpdateEvent(ctx, ev, actor); err != nil {
		return err
	}
	m.published(ev, from, actor)
	return nil
}

func (m *StateMachine) published(ev model.DispensingEvent, from model.EventStatus, actor string) {
	now := m.now()
	transitionsTotal.WithLabelValues(ev.Status.String()).Inc()
	if ev.Status == model.StatusDispensed && !ev.ScheduledAt.IsZero() {
		confirmationDelay.Observe(now.Sub(ev.ScheduledAt).Seconds())
	}
	if m.bus != nil {
		m.bus.Publish(events.TransitionEvent{Event: ev, From: from, To: ev.Status, Actor: actor, Timestamp: now})
	}
	if err := m.sink.RecordDispense(metrics.DispenseRecord{
		EventID:   ev.ID,
		PatientID: ev.PatientID,
		DeviceID:  ev.DeviceID,
		Status:    ev.Status,
		Quantity:  ev.ConsumedQuantity,
		Latency:   now.Sub(ev.ScheduledAt),
		Time:      now,
	}); err != nil && m.log != nil {
		m.log.Errorf("dispense metrics error: %v", err)
	}
}

func (m *StateMachine) raiseFault(ctx context.Context, ev model.DispensingEvent, deviceID, msg string) {
	if m.alerts == nil {
		return
	}
	if deviceID == "" {
		deviceID = ev.DeviceID
	}
	if _, err := m.alerts.Raise(ctx, model.Alert{
		PatientID:    ev.PatientID,
		MedicationID: ev.MedicationID,
		DeviceID:     deviceID,
		EventID:      ev.ID,
		Type:         model.AlertDeviceFault,
		Severity:     model.SeverityHigh,
		Message:      msg,
	}); err != nil && m.log != nil {
		m.log.Errorf("device-fault alert: %v", err)
	}
}
