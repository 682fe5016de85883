package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/core/model"
)

func TestInfluxSink_RecordDispense(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	rec := coremetrics.DispenseRecord{
		EventID:   "e1",
		PatientID: "p1",
		DeviceID:  "d1",
		Status:    model.StatusDispensed,
		Quantity:  2,
		Latency:   90 * time.Second,
		Time:      now,
	}

	if err := sink.RecordDispense(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("dispense_event").
		AddTag("event_id", "e1").
		AddTag("patient_id", "p1").
		AddTag("device_id", "d1").
		AddTag("status", "dispensed").
		AddTag("component", "state_machine").
		AddField("quantity", 2).
		AddField("latency_ms", int64(90000)).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestInfluxSink_RecordInventoryLevel(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	if err := sink.RecordInventoryLevel(coremetrics.InventoryLevelEvent{
		CompartmentID: "c1",
		DeviceID:      "d1",
		MedicationID:  "m1",
		Quantity:      3,
		Capacity:      30,
		LowStock:      true,
		Time:          now,
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if !strings.Contains(body, "compartment_level") || !strings.Contains(body, "low_stock=true") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not queried")
	}
}

func TestNewInfluxSinkWithFallbackHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"influxdb","status":"pass"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL, "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); !ok {
		t.Fatalf("expected InfluxSink on passing health check")
	}
}
