package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/infra/logger"
)

// PromSink records dispensing outcomes in Prometheus metrics.
type PromSink struct {
	dispenses     *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	inventory     *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewPromSink registers dispensing metrics on the default Prometheus
// registerer. The Prometheus server should be started separately using
// cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispenses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispense_events_total",
		Help: "Total number of dispensing event outcomes",
	}, []string{"device_id", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispense_latency_seconds",
		Help:    "Time between scheduled instant and confirmation",
		Buckets: prometheus.DefBuckets,
	}, []string{"device_id", "status"})
	inventory := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compartment_quantity",
		Help: "Current compartment quantity",
	}, []string{"compartment_id", "device_id"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_raised_total",
		Help: "Total number of alerts raised or escalated",
	}, []string{"type", "severity"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of notification delivery attempts",
	}, []string{"channel", "delivered"})

	if err := reg.Register(dispenses); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			dispenses = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(inventory); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			inventory = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(alerts); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			alerts = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(notifications); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			notifications = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{
		dispenses:     dispenses,
		latency:       latency,
		inventory:     inventory,
		alerts:        alerts,
		notifications: notifications,
	}, nil
}

// RecordDispense increments the outcome counter and observes the latency.
func (s *PromSink) RecordDispense(rec coremetrics.DispenseRecord) error {
	s.dispenses.WithLabelValues(rec.DeviceID, rec.Status.String()).Inc()
	if rec.Latency > 0 {
		s.latency.WithLabelValues(rec.DeviceID, rec.Status.String()).Observe(rec.Latency.Seconds())
	}
	return nil
}

// RecordInventoryLevel sets the compartment quantity gauge.
func (s *PromSink) RecordInventoryLevel(ev coremetrics.InventoryLevelEvent) error {
	s.inventory.WithLabelValues(ev.CompartmentID, ev.DeviceID).Set(float64(ev.Quantity))
	return nil
}

// RecordAlert counts raised and escalated alerts.
func (s *PromSink) RecordAlert(rec coremetrics.AlertRecord) error {
	s.alerts.WithLabelValues(rec.Type.String(), rec.Severity.String()).Inc()
	return nil
}

// RecordNotification counts delivery attempts.
func (s *PromSink) RecordNotification(rec coremetrics.NotificationRecord) error {
	s.notifications.WithLabelValues(rec.Channel, strconv.FormatBool(rec.Delivered)).Inc()
	return nil
}

// StartPromServer exposes /metrics on addr until ctx is cancelled.
func StartPromServer(ctx context.Context, addr string) {
	log := logger.New("prom-server")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("metrics server shutdown: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
}
