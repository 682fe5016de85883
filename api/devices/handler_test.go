package devices

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmarchal/medispense/core/devicestatus"
)

func TestStatusHandler_Basic(t *testing.T) {
	store := devicestatus.NewMemoryStore()
	store.Set(devicestatus.Status{DeviceID: "d1", PatientID: "p1", Online: true, BatteryLevel: 75})
	h := NewStatusHandler(store)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices/status", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []devicestatus.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].DeviceID != "d1" {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestStatusHandler_Filter(t *testing.T) {
	store := devicestatus.NewMemoryStore()
	store.Set(devicestatus.Status{DeviceID: "d1", PatientID: "p1", Online: true})
	store.Set(devicestatus.Status{DeviceID: "d2", PatientID: "p2", Online: false})
	h := NewStatusHandler(store)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices/status?patient_id=p1&online=true", nil)
	h.ServeHTTP(rr, req)
	var out []devicestatus.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].DeviceID != "d1" {
		t.Fatalf("unexpected filter result %#v", out)
	}
}

func TestStatusHandler_Empty(t *testing.T) {
	store := devicestatus.NewMemoryStore()
	h := NewStatusHandler(store)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices/status", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if rr.Body.String() != "[]\n" {
		t.Fatalf("expected empty array got %s", rr.Body.String())
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	h := NewStatusHandler(devicestatus.NewMemoryStore())
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/devices/status", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rr.Code)
	}
}
