// Package schedule turns recurring prescription schedules into concrete
// future dispensing events within a rolling horizon.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// ErrInactiveSchedule is returned when expansion is requested for a
// deactivated schedule.
var ErrInactiveSchedule = errors.New("schedule is not active")

// DefaultHorizon is the expansion window used when no horizon is given.
const DefaultHorizon = 30 * 24 * time.Hour

// Expander materializes dispensing events from schedules.
type Expander struct {
	store store.Store
	bus   *eventbus.Bus[events.Event]
	log   logger.Logger
	now   func() time.Time
	loc   *time.Location

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewExpander creates an Expander. The clock defaults to time.Now and the
// location to time.Local.
func NewExpander(st store.Store, bus *eventbus.Bus[events.Event], log logger.Logger) (*Expander, error) {
	if st == nil {
		return nil, fmt.Errorf("schedule: nil store provided to NewExpander")
	}
	return &Expander{
		store:   st,
		bus:     bus,
		log:     log,
		now:     time.Now,
		loc:     time.Local,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetClock overrides the clock, for tests.
func (e *Expander) SetClock(now func() time.Time, loc *time.Location) {
	e.now = now
	e.loc = loc
}

func (e *Expander) newID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}

// Expand materializes the future events of one schedule up to horizon and
// bulk-inserts them. Events already materialized for the same
// (schedule, scheduled-time) pair are skipped; instants not strictly in the
// future are discarded. An empty time or day set yields zero events.
func (e *Expander) Expand(ctx context.Context, s model.Schedule, horizon time.Time) ([]model.DispensingEvent, error) {
	if !s.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactiveSchedule, s.ID)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkBinding(ctx, s); err != nil {
		return nil, err
	}

	now := e.now()
	if horizon.IsZero() {
		horizon = now.Add(DefaultHorizon)
	}
	existing, err := e.store.Events(ctx, store.EventFilter{ScheduleID: s.ID})
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(existing))
	for _, ev := range existing {
		seen[ev.ScheduledAt.Unix()] = true
	}

	times := make([]model.TimeOfDay, 0, len(s.TimesOfDay))
	for _, tod := range s.SortedTimes() {
		t, err := model.ParseTimeOfDay(tod)
		if err != nil {
			return nil, err
		}
		times = append(times, t)
	}

	var out []model.DispensingEvent
	for day := truncate(now); !day.After(horizon); day = day.AddDate(0, 0, 1) {
		if !s.HasWeekday(day.Weekday()) || !s.CoversDate(day) {
			continue
		}
		for _, tod := range times {
			at := tod.At(day, e.loc)
			if !at.After(now) || at.After(horizon) || seen[at.Unix()] {
				continue
			}
			seen[at.Unix()] = true
			out = append(out, model.DispensingEvent{
				ID:            e.newID(),
				ScheduleID:    s.ID,
				PatientID:     s.PatientID,
				MedicationID:  s.MedicationID,
				DeviceID:      s.DeviceID,
				CompartmentID: s.CompartmentID,
				ScheduledAt:   at,
				Quantity:      s.DoseQuantity,
				Status:        model.StatusScheduled,
			})
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := e.store.InsertEvents(ctx, out, "expander"); err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(events.ScheduledEvent{ScheduleID: s.ID, PatientID: s.PatientID, Count: len(out), Horizon: horizon})
	}
	if e.log != nil {
		e.log.Infof("expanded schedule %s: %d events through %s", s.ID, len(out), horizon.Format(time.RFC3339))
	}
	return out, nil
}

// Regenerate deletes the not-yet-resolved future events of a schedule and
// expands it again. It is called after a schedule's timing is edited so no
// duplicate or orphaned events survive. Events that already left the
// scheduled state are never touched.
func (e *Expander) Regenerate(ctx context.Context, scheduleID string, horizon time.Time) ([]model.DispensingEvent, error) {
	s, err := e.store.Schedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	n, err := e.store.DeleteScheduledEvents(ctx, scheduleID, e.now(), "expander")
	if err != nil {
		return nil, err
	}
	if e.log != nil && n > 0 {
		e.log.Debugf("regenerate %s: removed %d pending events", scheduleID, n)
	}
	return e.Expand(ctx, s, horizon)
}

// ExpandAll expands every active schedule. Failures on one schedule do not
// prevent expansion of the others; the first error is returned at the end.
func (e *Expander) ExpandAll(ctx context.Context, horizon time.Time) error {
	schedules, err := e.store.Schedules(ctx, "", true)
	if err != nil {
		return err
	}
	var firstErr error
	for _, s := range schedules {
		if _, err := e.Expand(ctx, s, horizon); err != nil {
			if e.log != nil {
				e.log.Errorf("expand schedule %s: %v", s.ID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// checkBinding enforces that a compartment-bound schedule's medication
// matches the compartment's assigned medication.
func (e *Expander) checkBinding(ctx context.Context, s model.Schedule) error {
	if s.CompartmentID == "" {
		return nil
	}
	c, err := e.store.Compartment(ctx, s.CompartmentID)
	if err != nil {
		return fmt.Errorf("schedule %s: compartment %s: %w", s.ID, s.CompartmentID, err)
	}
	if c.MedicationID != s.MedicationID {
		return fmt.Errorf("schedule %s medication %s does not match compartment medication %s",
			s.ID, s.MedicationID, c.MedicationID)
	}
	return nil
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
