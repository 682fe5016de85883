package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

var testNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeChannel struct {
	name string
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, recipient, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[recipient] {
		return errors.New("unreachable")
	}
	c.sent = append(c.sent, recipient)
	return nil
}

func (c *fakeChannel) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testDirectory() Directory {
	return Directory{
		Caregivers: map[string][]string{"p1": {"cg1"}},
		Providers:  map[string][]string{"p1": {"dr1"}},
		Emergency:  map[string][]string{"p1": {"em1"}},
		Operators:  []string{"ops"},
	}
}

func newTestEngine(t *testing.T, channels ...Channel) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	e, err := NewEngine(st, testDirectory(), channels, nil, nil, nil, 15*time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	return e, st
}

func missedDose() model.Alert {
	return model.Alert{
		PatientID:    "p1",
		MedicationID: "m1",
		DeviceID:     "d1",
		Type:         model.AlertMissedDose,
		Severity:     model.SeverityHigh,
		Message:      "dose not taken",
	}
}

func TestRaiseNotifiesPatientTier(t *testing.T) {
	push := &fakeChannel{name: "push"}
	e, st := newTestEngine(t, push)
	a, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	e.Flush()
	if a.EscalationLevel != LevelPatient {
		t.Fatalf("expected level 0 got %d", a.EscalationLevel)
	}
	if got := push.delivered(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("expected patient-only notification, got %v", got)
	}
	recs, err := st.NotificationsByAlert(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(recs) != 1 || !recs[0].Delivered {
		t.Fatalf("expected one delivered record, got %#v", recs)
	}
}

func TestRaiseIsIdempotentPerFingerprint(t *testing.T) {
	e, st := newTestEngine(t)
	a1, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	a2, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise again: %v", err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("second raise created a new alert")
	}
	active := model.AlertActive
	alerts, err := st.Alerts(context.Background(), store.AlertFilter{Status: &active})
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 active alert got %d", len(alerts))
	}
}

func TestRaiseAfterResolutionCreatesNewAlert(t *testing.T) {
	e, _ := newTestEngine(t)
	a1, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := e.Resolve(context.Background(), a1.ID, "caregiver:cg1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	a2, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatalf("resolved alert was reused")
	}
}

func TestEscalationTiers(t *testing.T) {
	push := &fakeChannel{name: "push"}
	e, _ := newTestEngine(t, push)
	a, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	e.Flush()
	wantByLevel := [][]string{
		{"p1"},
		{"p1", "cg1"},
		{"p1", "cg1", "dr1"},
		{"p1", "cg1", "dr1", "em1"},
		{"p1", "cg1", "dr1", "em1", "ops"},
	}
	for level := 1; level <= MaxLevel; level++ {
		push.mu.Lock()
		push.sent = nil
		push.mu.Unlock()
		a, err = e.Escalate(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("escalate to %d: %v", level, err)
		}
		e.Flush()
		if a.EscalationLevel != level {
			t.Fatalf("expected level %d got %d", level, a.EscalationLevel)
		}
		got := map[string]bool{}
		for _, r := range push.delivered() {
			got[r] = true
		}
		for _, want := range wantByLevel[level] {
			if !got[want] {
				t.Fatalf("level %d missing recipient %s: %v", level, want, push.delivered())
			}
		}
	}
	// Level caps at the operator tier.
	a, err = e.Escalate(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("escalate past max: %v", err)
	}
	if a.EscalationLevel != MaxLevel {
		t.Fatalf("level exceeded max: %d", a.EscalationLevel)
	}
}

func TestAcknowledgeFreezesLevel(t *testing.T) {
	e, _ := newTestEngine(t)
	a, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := e.Acknowledge(context.Background(), a.ID, "caregiver:cg1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := e.Escalate(context.Background(), a.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive got %v", err)
	}
}

func TestDeliveryFailureDoesNotBlockOthers(t *testing.T) {
	push := &fakeChannel{name: "push", fail: map[string]bool{"p1": true}}
	sms := &fakeChannel{name: "sms"}
	e, st := newTestEngine(t, push, sms)
	a, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	e.Flush()
	if got := sms.delivered(); len(got) != 1 {
		t.Fatalf("sms channel blocked by push failure: %v", got)
	}
	recs, err := st.NotificationsByAlert(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records (one failed, one delivered), got %d", len(recs))
	}
	failures := 0
	for _, r := range recs {
		if !r.Delivered {
			failures++
			if r.Error == "" {
				t.Fatalf("failed record missing error")
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected 1 failed record got %d", failures)
	}
}

func TestAutoEscalateMissedDoseOnly(t *testing.T) {
	e, st := newTestEngine(t)
	missed, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	low, err := e.Raise(context.Background(), model.Alert{
		PatientID: "p1", MedicationID: "m2", DeviceID: "d1",
		Type: model.AlertLowInventory, Severity: model.SeverityLow,
	})
	if err != nil {
		t.Fatalf("raise low: %v", err)
	}

	e.SetClock(func() time.Time { return testNow.Add(16 * time.Minute) })
	e.sweep(context.Background())

	got, err := st.Alert(context.Background(), missed.ID)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got.EscalationLevel != LevelCaregivers {
		t.Fatalf("missed-dose alert not auto-escalated: level %d", got.EscalationLevel)
	}
	gotLow, err := st.Alert(context.Background(), low.ID)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if gotLow.EscalationLevel != LevelPatient {
		t.Fatalf("low-severity alert auto-escalated to %d", gotLow.EscalationLevel)
	}
}

func TestAutoEscalateRespectsDelay(t *testing.T) {
	e, st := newTestEngine(t)
	a, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	e.SetClock(func() time.Time { return testNow.Add(10 * time.Minute) })
	e.sweep(context.Background())
	got, err := st.Alert(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got.EscalationLevel != LevelPatient {
		t.Fatalf("escalated before delay elapsed")
	}
}

type blockedChannel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockedChannel) Name() string { return "push" }

func (c *blockedChannel) Send(_ context.Context, _, _ string) error {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return nil
}

func TestSlowDeliveryDoesNotBlockUnrelatedRaise(t *testing.T) {
	ch := &blockedChannel{started: make(chan struct{}), release: make(chan struct{})}
	e, st := newTestEngine(t, ch)

	first, err := e.Raise(context.Background(), missedDose())
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	select {
	case <-ch.started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		other := missedDose()
		other.PatientID = "p2"
		if _, err := e.Raise(context.Background(), other); err != nil {
			t.Errorf("raise p2: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated raise blocked by in-flight delivery")
	}

	// Acknowledging the first alert must not wait on its delivery either.
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		if err := e.Acknowledge(context.Background(), first.ID, "caregiver:cg1"); err != nil {
			t.Errorf("acknowledge: %v", err)
		}
	}()
	select {
	case <-ackDone:
	case <-time.After(2 * time.Second):
		t.Fatal("acknowledge blocked by in-flight delivery")
	}

	close(ch.release)
	e.Flush()
	recs, err := st.NotificationsByAlert(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected delivery recorded after release, got %d", len(recs))
	}
}
