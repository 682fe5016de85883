package metrics

import coremetrics "github.com/tmarchal/medispense/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDispense forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordDispense(rec coremetrics.DispenseRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordDispense(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordInventoryLevel forwards stock snapshots when supported by the sink.
func (m *MultiSink) RecordInventoryLevel(ev coremetrics.InventoryLevelEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.InventoryRecorder); ok {
			if err := rec.RecordInventoryLevel(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordAlert forwards alert activity when supported by the sink.
func (m *MultiSink) RecordAlert(rec coremetrics.AlertRecord) error {
	for _, s := range m.Sinks {
		if ar, ok := s.(coremetrics.AlertRecorder); ok {
			if err := ar.RecordAlert(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordNotification forwards delivery attempts when supported by the sink.
func (m *MultiSink) RecordNotification(rec coremetrics.NotificationRecord) error {
	for _, s := range m.Sinks {
		if nr, ok := s.(coremetrics.NotificationRecorder); ok {
			if err := nr.RecordNotification(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
