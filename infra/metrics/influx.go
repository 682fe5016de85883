package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/infra/logger"
)

// InfluxSink writes dispensing events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordDispense writes the transition outcome as a point.
func (s *InfluxSink) RecordDispense(rec coremetrics.DispenseRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispense_event").
		AddTag("event_id", rec.EventID).
		AddTag("patient_id", rec.PatientID).
		AddTag("device_id", rec.DeviceID).
		AddTag("status", rec.Status.String()).
		AddTag("component", "state_machine").
		AddField("quantity", rec.Quantity).
		AddField("latency_ms", rec.Latency.Milliseconds()).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordInventoryLevel writes a compartment quantity snapshot.
func (s *InfluxSink) RecordInventoryLevel(ev coremetrics.InventoryLevelEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("compartment_level").
		AddTag("compartment_id", ev.CompartmentID).
		AddTag("device_id", ev.DeviceID).
		AddTag("medication_id", ev.MedicationID).
		AddTag("low_stock", strconv.FormatBool(ev.LowStock)).
		AddTag("component", "inventory_ledger").
		AddField("quantity", ev.Quantity).
		AddField("capacity", ev.Capacity).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAlert writes an alert raise or escalation.
func (s *InfluxSink) RecordAlert(rec coremetrics.AlertRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("alert_event").
		AddTag("alert_id", rec.AlertID).
		AddTag("patient_id", rec.PatientID).
		AddTag("type", rec.Type.String()).
		AddTag("severity", rec.Severity.String()).
		AddTag("component", "alert_engine").
		AddField("level", rec.Level).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordNotification writes one delivery attempt.
func (s *InfluxSink) RecordNotification(rec coremetrics.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("notification_sent").
		AddTag("alert_id", rec.AlertID).
		AddTag("channel", rec.Channel).
		AddTag("delivered", strconv.FormatBool(rec.Delivered)).
		AddTag("component", "alert_engine").
		AddField("recipient", rec.Recipient).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}
