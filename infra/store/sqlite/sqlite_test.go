package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sched := model.Schedule{
		ID:            "s1",
		PatientID:     "p1",
		MedicationID:  "m1",
		TimesOfDay:    []string{"08:00", "20:00"},
		Weekdays:      []int{1, 3, 5},
		StartDate:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		DoseQuantity:  2,
		Active:        true,
		DeviceID:      "d1",
		CompartmentID: "c1",
	}
	if err := s.SaveSchedule(ctx, sched, "test"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Schedule(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.PatientID != "p1" || len(got.TimesOfDay) != 2 || len(got.Weekdays) != 3 {
		t.Fatalf("unexpected schedule %#v", got)
	}
	if !got.EndDate.IsZero() {
		t.Fatalf("end date should stay zero, got %v", got.EndDate)
	}
	if !got.StartDate.Equal(sched.StartDate) {
		t.Fatalf("start date changed: %v", got.StartDate)
	}

	if _, err := s.Schedule(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSchedulesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := model.Schedule{MedicationID: "m1", TimesOfDay: []string{"08:00"}, Weekdays: []int{1}, DoseQuantity: 1}
	for _, sc := range []model.Schedule{
		{ID: "s1", PatientID: "p1", Active: true},
		{ID: "s2", PatientID: "p1", Active: false},
		{ID: "s3", PatientID: "p2", Active: true},
	} {
		sc.MedicationID = base.MedicationID
		sc.TimesOfDay = base.TimesOfDay
		sc.Weekdays = base.Weekdays
		sc.DoseQuantity = base.DoseQuantity
		if err := s.SaveSchedule(ctx, sc, "test"); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.Schedules(ctx, "p1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("unexpected result %#v", got)
	}
	all, err := s.Schedules(ctx, "", false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 schedules, got %d", len(all))
	}
}

func seedEvents(t *testing.T, s *Store, evs ...model.DispensingEvent) {
	t.Helper()
	if err := s.InsertEvents(context.Background(), evs, "test"); err != nil {
		t.Fatalf("insert events: %v", err)
	}
}

func TestEventLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	seedEvents(t, s, model.DispensingEvent{
		ID: "e1", ScheduleID: "s1", PatientID: "p1", CompartmentID: "c1",
		ScheduledAt: at, Quantity: 2, Status: model.StatusScheduled,
	})

	ev, err := s.Event(ctx, "e1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ev.ScheduledAt.Equal(at) || ev.Status != model.StatusScheduled {
		t.Fatalf("unexpected event %#v", ev)
	}

	ev.Status = model.StatusDispensed
	ev.ConsumedQuantity = 2
	ev.DispensedAt = at.Add(time.Minute)
	if err := s.UpdateEvent(ctx, ev, "state-machine"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Event(ctx, "e1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != model.StatusDispensed || got.ConsumedQuantity != 2 {
		t.Fatalf("update not persisted: %#v", got)
	}
	if got.DispensedAt.IsZero() {
		t.Fatalf("dispensed timestamp lost")
	}

	if err := s.UpdateEvent(ctx, model.DispensingEvent{ID: "ghost"}, "test"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsFilterAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	seedEvents(t, s,
		model.DispensingEvent{ID: "e1", ScheduleID: "s1", PatientID: "p1", ScheduledAt: at, Status: model.StatusScheduled},
		model.DispensingEvent{ID: "e2", ScheduleID: "s1", PatientID: "p1", ScheduledAt: at.Add(12 * time.Hour), Status: model.StatusScheduled},
		model.DispensingEvent{ID: "e3", ScheduleID: "s1", PatientID: "p1", ScheduledAt: at.Add(24 * time.Hour), Status: model.StatusDispensed},
	)

	scheduled := model.StatusScheduled
	got, err := s.Events(ctx, store.EventFilter{ScheduleID: "s1", Status: &scheduled})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 scheduled events, got %d", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Fatalf("wrong order: %#v", got)
	}

	// Pending events due at or after the cutoff are deleted, including the
	// one exactly at the boundary; the dispensed one survives.
	n, err := s.DeleteScheduledEvents(ctx, "s1", at, "expander")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	rest, err := s.Events(ctx, store.EventFilter{ScheduleID: "s1"})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "e3" {
		t.Fatalf("expected only the dispensed event to survive, got %#v", rest)
	}
}

func TestDeviceAndCompartment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveDevice(ctx, model.Device{ID: "d1", PatientID: "p1", Online: true, BatteryLevel: 80}, "test"); err != nil {
		t.Fatalf("save device: %v", err)
	}
	for _, c := range []model.Compartment{
		{ID: "c1", DeviceID: "d1", MedicationID: "m1", Capacity: 30, Quantity: 10},
		{ID: "c2", DeviceID: "d1", MedicationID: "m2", Capacity: 20, Quantity: 20},
	} {
		if err := s.SaveCompartment(ctx, c, "test"); err != nil {
			t.Fatalf("save compartment: %v", err)
		}
	}

	d, err := s.Device(ctx, "d1")
	if err != nil {
		t.Fatalf("load device: %v", err)
	}
	if !d.Online || d.BatteryLevel != 80 {
		t.Fatalf("unexpected device %#v", d)
	}

	comps, err := s.CompartmentsByDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("list compartments: %v", err)
	}
	if len(comps) != 2 {
		t.Fatalf("expected 2 compartments, got %d", len(comps))
	}

	// Quantity update on conflict.
	if err := s.SaveCompartment(ctx, model.Compartment{ID: "c1", DeviceID: "d1", MedicationID: "m1", Capacity: 30, Quantity: 8}, "ledger"); err != nil {
		t.Fatalf("update compartment: %v", err)
	}
	c, err := s.Compartment(ctx, "c1")
	if err != nil {
		t.Fatalf("load compartment: %v", err)
	}
	if c.Quantity != 8 {
		t.Fatalf("quantity not updated: %d", c.Quantity)
	}
}

func TestAlertsAndNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	a := model.Alert{
		ID: "a1", PatientID: "p1", MedicationID: "m1", DeviceID: "d1",
		Type: model.AlertMissedDose, Severity: model.SeverityHigh,
		Status: model.AlertActive, Message: "dose missed", CreatedAt: now, LastEscalated: now,
	}
	if err := s.SaveAlert(ctx, a, "alert-engine"); err != nil {
		t.Fatalf("save alert: %v", err)
	}

	got, err := s.ActiveAlertByFingerprint(ctx, a.Fingerprint())
	if err != nil {
		t.Fatalf("fingerprint lookup: %v", err)
	}
	if got.ID != "a1" {
		t.Fatalf("wrong alert %#v", got)
	}

	// Resolved alerts no longer match the fingerprint.
	a.Status = model.AlertResolved
	if err := s.SaveAlert(ctx, a, "alert-engine"); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}
	if _, err := s.ActiveAlertByFingerprint(ctx, a.Fingerprint()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after resolve, got %v", err)
	}

	for i, n := range []model.NotificationRecord{
		{ID: "n1", AlertID: "a1", Channel: "push", Recipient: "p1", SentAt: now, Delivered: true},
		{ID: "n2", AlertID: "a1", Channel: "webhook", Recipient: "caregiver:anna", SentAt: now.Add(time.Minute), Delivered: false, Error: "timeout"},
	} {
		if err := s.AppendNotification(ctx, n); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recs, err := s.NotificationsByAlert(ctx, "a1")
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].Error != "timeout" || recs[1].Delivered {
		t.Fatalf("unexpected record %#v", recs[1])
	}
}
