package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	for _, a := range []model.Alert{
		{ID: "a1", PatientID: "p1", Type: model.AlertMissedDose, Severity: model.SeverityHigh, Status: model.AlertActive, CreatedAt: now},
		{ID: "a2", PatientID: "p1", Type: model.AlertLowInventory, Severity: model.SeverityLow, Status: model.AlertResolved, CreatedAt: now.Add(-time.Hour)},
		{ID: "a3", PatientID: "p2", Type: model.AlertDeviceFault, Severity: model.SeverityHigh, Status: model.AlertActive, CreatedAt: now},
	} {
		if err := st.SaveAlert(context.Background(), a, "test"); err != nil {
			t.Fatalf("seed alert: %v", err)
		}
	}
	return st
}

func TestListHandler_ActiveByDefault(t *testing.T) {
	h := NewListHandler(seed(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []alertView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 active alerts, got %d", len(out))
	}
	for _, v := range out {
		if v.Status != "active" {
			t.Fatalf("non-active alert returned: %#v", v)
		}
	}
}

func TestListHandler_PatientFilter(t *testing.T) {
	h := NewListHandler(seed(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts?patient_id=p2", nil)
	h.ServeHTTP(rr, req)
	var out []alertView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a3" {
		t.Fatalf("unexpected result %#v", out)
	}
	if out[0].Type != "device_fault" || out[0].Severity != "high" {
		t.Fatalf("enum rendering wrong %#v", out[0])
	}
}

func TestListHandler_ResolvedStatus(t *testing.T) {
	h := NewListHandler(seed(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts?status=resolved", nil)
	h.ServeHTTP(rr, req)
	var out []alertView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a2" {
		t.Fatalf("unexpected result %#v", out)
	}
}

func TestListHandler_BadStatus(t *testing.T) {
	h := NewListHandler(seed(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts?status=bogus", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestNotificationsHandler(t *testing.T) {
	st := seed(t)
	now := time.Date(2025, 3, 10, 8, 5, 0, 0, time.UTC)
	if err := st.AppendNotification(context.Background(), model.NotificationRecord{
		ID: "n1", AlertID: "a1", Channel: "push", Recipient: "p1", SentAt: now, Delivered: true,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	h := NewNotificationsHandler(st)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts/notifications?alert_id=a1", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []notificationView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Channel != "push" {
		t.Fatalf("unexpected result %#v", out)
	}
}

func TestNotificationsHandler_UnknownAlert(t *testing.T) {
	h := NewNotificationsHandler(seed(t))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/alerts/notifications?alert_id=ghost", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
}
