package dispense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmarchal/medispense/core/model"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeCommander) SendCommand(_ context.Context, deviceID string, kind model.CommandKind, _ any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("device unreachable")
	}
	f.sent = append(f.sent, deviceID+"/"+string(kind))
	return "cmd-1", nil
}

func newMonitorFixture(t *testing.T, scheduledAt time.Time) (fixture, *Monitor, *fakeCommander) {
	t.Helper()
	fx := newFixture(t, 2)
	ev := fx.event(t, "e1")
	ev.ScheduledAt = scheduledAt
	if err := fx.st.UpdateEvent(context.Background(), ev, "test"); err != nil {
		t.Fatalf("update: %v", err)
	}
	cmd := &fakeCommander{}
	mon, err := NewMonitor(fx.sm, fx.st, cmd, nil, nil, 30*time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	mon.SetClock(func() time.Time { return testNow })
	return fx, mon, cmd
}

func TestSweepSendsDispenseCommandOnce(t *testing.T) {
	fx, mon, cmd := newMonitorFixture(t, testNow.Add(-time.Minute))
	mon.Sweep(context.Background())
	mon.Sweep(context.Background())
	if len(cmd.sent) != 1 {
		t.Fatalf("expected exactly one dispense command, got %d", len(cmd.sent))
	}
	if cmd.sent[0] != "d1/dispense" {
		t.Fatalf("unexpected command %s", cmd.sent[0])
	}
	if ev := fx.event(t, "e1"); ev.Status != model.StatusScheduled {
		t.Fatalf("event must stay scheduled until confirmation, got %s", ev.Status)
	}
}

func TestSweepRetriesAfterUnreachable(t *testing.T) {
	_, mon, cmd := newMonitorFixture(t, testNow.Add(-time.Minute))
	cmd.fail = true
	mon.Sweep(context.Background())
	if len(cmd.sent) != 0 {
		t.Fatalf("unexpected command on failure")
	}
	cmd.fail = false
	mon.Sweep(context.Background())
	if len(cmd.sent) != 1 {
		t.Fatalf("expected retry to send, got %d", len(cmd.sent))
	}
}

func TestSweepMarksMissedPastGrace(t *testing.T) {
	fx, mon, _ := newMonitorFixture(t, testNow.Add(-31*time.Minute))
	mon.Sweep(context.Background())
	if ev := fx.event(t, "e1"); ev.Status != model.StatusMissed {
		t.Fatalf("expected missed got %s", ev.Status)
	}
	if got := fx.alerts.byType(model.AlertMissedDose); len(got) != 1 {
		t.Fatalf("expected one missed-dose alert, got %d", len(got))
	}
}

func TestSweepLeavesEventsInsideGrace(t *testing.T) {
	fx, mon, _ := newMonitorFixture(t, testNow.Add(-29*time.Minute))
	mon.Sweep(context.Background())
	if ev := fx.event(t, "e1"); ev.Status != model.StatusScheduled {
		t.Fatalf("event inside grace window transitioned to %s", ev.Status)
	}
}

func TestSweepMarksDispensedButNotTakenMissed(t *testing.T) {
	fx, mon, _ := newMonitorFixture(t, testNow.Add(-31*time.Minute))
	// Dispensed long ago but never confirmed taken.
	ledgerOK := fx.sm.ConfirmDispensed(context.Background(), confirmation(true), "d1")
	if ledgerOK != nil {
		t.Fatalf("confirm: %v", ledgerOK)
	}
	mon.Sweep(context.Background())
	if ev := fx.event(t, "e1"); ev.Status != model.StatusMissed {
		t.Fatalf("expected dispensed event past grace to become missed, got %s", ev.Status)
	}
}

func TestSweepIgnoresFutureEvents(t *testing.T) {
	fx, mon, cmd := newMonitorFixture(t, testNow.Add(time.Hour))
	mon.Sweep(context.Background())
	if len(cmd.sent) != 0 {
		t.Fatalf("future event commanded early")
	}
	if ev := fx.event(t, "e1"); ev.Status != model.StatusScheduled {
		t.Fatalf("future event transitioned to %s", ev.Status)
	}
}

// Missed-dose detection boundary: an event scheduled at T with grace G
// becomes missed if and only if no confirmation arrived by T+G.
func TestMissedBoundary(t *testing.T) {
	cases := []struct {
		name    string
		age     time.Duration
		confirm bool
		want    model.EventStatus
	}{
		{"just inside grace", 30 * time.Minute, false, model.StatusScheduled},
		{"just past grace", 30*time.Minute + time.Second, false, model.StatusMissed},
		{"confirmed before grace", 30*time.Minute + time.Second, true, model.StatusTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx, mon, _ := newMonitorFixture(t, testNow.Add(-tc.age))
			if tc.confirm {
				if err := fx.sm.ConfirmDispensed(context.Background(), confirmation(true), "d1"); err != nil {
					t.Fatalf("confirm: %v", err)
				}
				if err := fx.sm.ConfirmTaken(context.Background(), "e1", "patient:p1"); err != nil {
					t.Fatalf("taken: %v", err)
				}
			}
			mon.Sweep(context.Background())
			if ev := fx.event(t, "e1"); ev.Status != tc.want {
				t.Fatalf("expected %s got %s", tc.want, ev.Status)
			}
		})
	}
}
