package metrics

import (
	"testing"

	coremetrics "github.com/tmarchal/medispense/core/metrics"
)

type recordSink struct {
	count int
}

func (r *recordSink) RecordDispense(coremetrics.DispenseRecord) error {
	r.count++
	return nil
}

func (r *recordSink) RecordInventoryLevel(coremetrics.InventoryLevelEvent) error {
	r.count++
	return nil
}

func TestMultiSink(t *testing.T) {
	s1 := &recordSink{}
	s2 := &recordSink{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordDispense(coremetrics.DispenseRecord{}); err != nil {
		t.Fatalf("record dispense: %v", err)
	}
	if err := m.RecordInventoryLevel(coremetrics.InventoryLevelEvent{}); err != nil {
		t.Fatalf("record level: %v", err)
	}
	if s1.count != 2 || s2.count != 2 {
		t.Fatalf("records not forwarded")
	}
}

func TestMultiSinkSkipsUnsupported(t *testing.T) {
	plain := coremetrics.NopSink{}
	s := &recordSink{}
	m := NewMultiSink(plain, s)
	if err := m.RecordAlert(coremetrics.AlertRecord{}); err != nil {
		t.Fatalf("record alert: %v", err)
	}
	// recordSink has no alert recorder either, nothing to forward.
	if s.count != 0 {
		t.Fatalf("unexpected forward")
	}
}
