package dispense

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal  *prometheus.CounterVec
	confirmationDelay prometheus.Histogram
	missedDetected    prometheus.Counter
	commandFailures   prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Histogram, prometheus.Counter, prometheus.Counter) {
	trans := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispensing_transitions_total",
			Help: "Number of dispensing event transitions by resulting status",
		},
		[]string{"status"},
	)
	delay := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispensing_confirmation_delay_seconds",
			Help:    "Delay between scheduled time and device confirmation",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600},
		},
	)
	missed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispensing_missed_total",
			Help: "Number of doses detected as missed",
		},
	)
	fail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispense_command_failures_total",
			Help: "Number of outbound dispense commands that could not be sent",
		},
	)
	return trans, delay, missed, fail
}

func init() {
	transitionsTotal, confirmationDelay, missedDetected, commandFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispensing metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(transitionsTotal, confirmationDelay, missedDetected, commandFailures)
}

// ResetMetrics reinitializes metric collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	transitionsTotal, confirmationDelay, missedDetected, commandFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
