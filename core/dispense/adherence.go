package dispense

import (
	"context"
	"time"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// Reporter computes adherence statistics from resolved dispensing events.
type Reporter struct {
	store store.EventStore
	bus   *eventbus.Bus[events.Event]
}

// NewReporter creates a Reporter. The bus may be nil.
func NewReporter(st store.EventStore, bus *eventbus.Bus[events.Event]) *Reporter {
	return &Reporter{store: st, bus: bus}
}

// Stats aggregates terminal outcomes for a patient over [from, to]. The
// rate is taken over taken+missed; skipped and cancelled doses are not
// counted against adherence.
func (r *Reporter) Stats(ctx context.Context, patientID string, from, to time.Time) (events.AdherenceStats, error) {
	evs, err := r.store.Events(ctx, store.EventFilter{PatientID: patientID, From: from, To: to})
	if err != nil {
		return events.AdherenceStats{}, err
	}
	stats := events.AdherenceStats{From: from, To: to}
	for _, ev := range evs {
		switch ev.Status {
		case model.StatusTaken:
			stats.Taken++
		case model.StatusMissed:
			stats.Missed++
		case model.StatusSkipped:
			stats.Skipped++
		}
	}
	if denom := stats.Taken + stats.Missed; denom > 0 {
		stats.Rate = float64(stats.Taken) / float64(denom)
	}
	if r.bus != nil {
		r.bus.Publish(events.AdherenceEvent{PatientID: patientID, Stats: stats})
	}
	return stats, nil
}
