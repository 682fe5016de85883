package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tmarchal/medispense/core/model"
)

// AuditEntry records who changed which record.
type AuditEntry struct {
	Time   time.Time
	Actor  string
	Entity string
	ID     string
	Action string
}

// MemoryStore is an in-memory Store used by tests and the simulator runs.
type MemoryStore struct {
	mu            sync.RWMutex
	schedules     map[string]model.Schedule
	events        map[string]model.DispensingEvent
	devices       map[string]model.Device
	compartments  map[string]model.Compartment
	alerts        map[string]model.Alert
	notifications map[string][]model.NotificationRecord
	audit         []AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:     map[string]model.Schedule{},
		events:        map[string]model.DispensingEvent{},
		devices:       map[string]model.Device{},
		compartments:  map[string]model.Compartment{},
		alerts:        map[string]model.Alert{},
		notifications: map[string][]model.NotificationRecord{},
	}
}

func (s *MemoryStore) record(actor, entity, id, action string) {
	s.audit = append(s.audit, AuditEntry{Time: time.Now(), Actor: actor, Entity: entity, ID: id, Action: action})
}

// Audit returns a copy of the audit trail.
func (s *MemoryStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) Schedule(_ context.Context, id string) (model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return model.Schedule{}, ErrNotFound
	}
	return sc, nil
}

func (s *MemoryStore) Schedules(_ context.Context, patientID string, activeOnly bool) ([]model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Schedule
	for _, sc := range s.schedules {
		if patientID != "" && sc.PatientID != patientID {
			continue
		}
		if activeOnly && !sc.Active {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveSchedule(_ context.Context, sc model.Schedule, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = sc
	s.record(actor, "schedule", sc.ID, "save")
	return nil
}

func (s *MemoryStore) Event(_ context.Context, id string) (model.DispensingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return model.DispensingEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *MemoryStore) Events(_ context.Context, f EventFilter) ([]model.DispensingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DispensingEvent
	for _, ev := range s.events {
		if f.ScheduleID != "" && ev.ScheduleID != f.ScheduleID {
			continue
		}
		if f.PatientID != "" && ev.PatientID != f.PatientID {
			continue
		}
		if f.DeviceID != "" && ev.DeviceID != f.DeviceID {
			continue
		}
		if f.Status != nil && ev.Status != *f.Status {
			continue
		}
		if !f.From.IsZero() && ev.ScheduledAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.ScheduledAt.After(f.To) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (s *MemoryStore) InsertEvents(_ context.Context, evs []model.DispensingEvent, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.events[ev.ID] = ev
		s.record(actor, "event", ev.ID, "insert")
	}
	return nil
}

func (s *MemoryStore) UpdateEvent(_ context.Context, ev model.DispensingEvent, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		return ErrNotFound
	}
	s.events[ev.ID] = ev
	s.record(actor, "event", ev.ID, "update")
	return nil
}

func (s *MemoryStore) DeleteScheduledEvents(_ context.Context, scheduleID string, after time.Time, actor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if ev.ScheduleID != scheduleID || ev.Status != model.StatusScheduled {
			continue
		}
		if ev.ScheduledAt.Before(after) {
			continue
		}
		delete(s.events, id)
		s.record(actor, "event", id, "delete")
		n++
	}
	return n, nil
}

func (s *MemoryStore) Device(_ context.Context, id string) (model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) SaveDevice(_ context.Context, d model.Device, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	s.record(actor, "device", d.ID, "save")
	return nil
}

func (s *MemoryStore) Compartment(_ context.Context, id string) (model.Compartment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.compartments[id]
	if !ok {
		return model.Compartment{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) CompartmentsByDevice(_ context.Context, deviceID string) ([]model.Compartment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Compartment
	for _, c := range s.compartments {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveCompartment(_ context.Context, c model.Compartment, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compartments[c.ID] = c
	s.record(actor, "compartment", c.ID, "save")
	return nil
}

func (s *MemoryStore) Alert(_ context.Context, id string) (model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Alerts(_ context.Context, f AlertFilter) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for _, a := range s.alerts {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.DeviceID != "" && a.DeviceID != f.DeviceID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ActiveAlertByFingerprint(_ context.Context, fp string) (model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Status == model.AlertActive && a.Fingerprint() == fp {
			return a, nil
		}
	}
	return model.Alert{}, ErrNotFound
}

func (s *MemoryStore) SaveAlert(_ context.Context, a model.Alert, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	s.record(actor, "alert", a.ID, "save")
	return nil
}

func (s *MemoryStore) AppendNotification(_ context.Context, n model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.AlertID] = append(s.notifications[n.AlertID], n)
	return nil
}

func (s *MemoryStore) NotificationsByAlert(_ context.Context, alertID string) ([]model.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.NotificationRecord(nil), s.notifications[alertID]...), nil
}
