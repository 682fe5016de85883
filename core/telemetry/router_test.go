package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tmarchal/medispense/core/devicestatus"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

type fakeConfirmer struct {
	confs []model.DispensedConfirmation
}

func (f *fakeConfirmer) ConfirmDispensed(_ context.Context, c model.DispensedConfirmation, _ string) error {
	f.confs = append(f.confs, c)
	return nil
}

type fakeSyncer struct {
	synced map[string]int
}

func (f *fakeSyncer) SetAbsolute(_ context.Context, compartmentID string, qty int, _ string) error {
	if f.synced == nil {
		f.synced = map[string]int{}
	}
	f.synced[compartmentID] = qty
	return nil
}

type fakeAlerter struct {
	raised []model.Alert
}

func (f *fakeAlerter) Raise(_ context.Context, a model.Alert) (model.Alert, error) {
	f.raised = append(f.raised, a)
	return a, nil
}

type fakeSender struct {
	cmds []model.DeviceCommand
	err  error
}

func (f *fakeSender) Send(_ context.Context, cmd model.DeviceCommand) error {
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

type routerFixture struct {
	router    *Router
	confirmer *fakeConfirmer
	syncer    *fakeSyncer
	alerter   *fakeAlerter
	sender    *fakeSender
	health    *devicestatus.MemoryStore
	st        *store.MemoryStore
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.SaveDevice(context.Background(), model.Device{ID: "d1", PatientID: "p1"}, "test"); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	confirmer := &fakeConfirmer{}
	syncer := &fakeSyncer{}
	alerter := &fakeAlerter{}
	sender := &fakeSender{}
	health := devicestatus.NewMemoryStore()
	r, err := NewRouter(st, confirmer, syncer, alerter, health, sender, nil, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return routerFixture{router: r, confirmer: confirmer, syncer: syncer, alerter: alerter, sender: sender, health: health, st: st}
}

func envelope(t *testing.T, deviceID string, kind model.MessageKind, payload any) model.TelemetryEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return model.TelemetryEnvelope{
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestRouteDispensedConfirmation(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindDispensed, map[string]any{
		"eventId": "e1", "compartmentId": "c1", "success": true,
	}))
	if len(fx.confirmer.confs) != 1 || fx.confirmer.confs[0].EventID != "e1" {
		t.Fatalf("confirmation not routed: %#v", fx.confirmer.confs)
	}
	st, ok := fx.health.Get("d1")
	if !ok || st.LastDispense.EventID != "e1" {
		t.Fatalf("health store not updated: %#v", st)
	}
}

func TestRouteInventorySync(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindInventorySync, map[string]any{
		"compartmentId": "c1", "quantity": 12,
	}))
	if fx.syncer.synced["c1"] != 12 {
		t.Fatalf("sync not routed: %#v", fx.syncer.synced)
	}
}

func TestRouteStatusUpdatesDevice(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindStatus, map[string]any{
		"batteryLevel": 42, "online": true, "firmwareVersion": "2.1.0",
	}))
	dev, err := fx.st.Device(context.Background(), "d1")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if dev.BatteryLevel != 42 || !dev.Online || dev.FirmwareVersion != "2.1.0" {
		t.Fatalf("device not updated: %#v", dev)
	}
}

func TestRouteDeviceAlert(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindAlert, map[string]any{
		"alertType": "jam", "severity": "critical", "message": "rotor stuck",
	}))
	if len(fx.alerter.raised) != 1 {
		t.Fatalf("alert not routed")
	}
	a := fx.alerter.raised[0]
	if a.PatientID != "p1" || a.Severity != model.SeverityCritical {
		t.Fatalf("alert fields wrong: %#v", a)
	}
}

func TestUnknownDeviceDropped(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.HandleEnvelope(context.Background(), envelope(t, "ghost", model.KindDispensed, map[string]any{
		"eventId": "e1", "compartmentId": "c1", "success": true,
	}))
	if len(fx.confirmer.confs) != 0 {
		t.Fatalf("telemetry from unknown device was routed")
	}
}

func TestMalformedPayloadRejectedPerMessage(t *testing.T) {
	fx := newRouterFixture(t)
	// Missing eventId: rejected.
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindDispensed, map[string]any{
		"compartmentId": "c1", "success": true,
	}))
	if len(fx.confirmer.confs) != 0 {
		t.Fatalf("malformed payload was routed")
	}
	// A following well-formed message is unaffected.
	fx.router.HandleEnvelope(context.Background(), envelope(t, "d1", model.KindDispensed, map[string]any{
		"eventId": "e2", "compartmentId": "c1", "success": true,
	}))
	if len(fx.confirmer.confs) != 1 {
		t.Fatalf("well-formed follow-up not routed")
	}
}

func TestSendCommand(t *testing.T) {
	fx := newRouterFixture(t)
	id, err := fx.router.SendCommand(context.Background(), "d1", model.CommandDispense, model.DispensePayload{EventID: "e1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" || len(fx.sender.cmds) != 1 {
		t.Fatalf("command not sent")
	}
	if fx.sender.cmds[0].Kind != model.CommandDispense {
		t.Fatalf("wrong command kind %s", fx.sender.cmds[0].Kind)
	}
}

func TestSendCommandUnreachable(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.err = errors.New("not connected")
	if _, err := fx.router.SendCommand(context.Background(), "d1", model.CommandDispense, nil); !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable got %v", err)
	}
}

func TestSendCommandUnknownDevice(t *testing.T) {
	fx := newRouterFixture(t)
	if _, err := fx.router.SendCommand(context.Background(), "ghost", model.CommandDispense, nil); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice got %v", err)
	}
}
