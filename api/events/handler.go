package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tmarchal/medispense/core/dispense"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

type eventView struct {
	ID               string    `json:"id"`
	ScheduleID       string    `json:"schedule_id"`
	PatientID        string    `json:"patient_id"`
	MedicationID     string    `json:"medication_id,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
	CompartmentID    string    `json:"compartment_id,omitempty"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Quantity         int       `json:"quantity"`
	Status           string    `json:"status"`
	ConsumedQuantity int       `json:"consumed_quantity,omitempty"`
	DispensedAt      time.Time `json:"dispensed_at"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

func toView(ev model.DispensingEvent) eventView {
	return eventView{
		ID:               ev.ID,
		ScheduleID:       ev.ScheduleID,
		PatientID:        ev.PatientID,
		MedicationID:     ev.MedicationID,
		DeviceID:         ev.DeviceID,
		CompartmentID:    ev.CompartmentID,
		ScheduledAt:      ev.ScheduledAt,
		Quantity:         ev.Quantity,
		Status:           ev.Status.String(),
		ConsumedQuantity: ev.ConsumedQuantity,
		DispensedAt:      ev.DispensedAt,
		ResolvedAt:       ev.ResolvedAt,
	}
}

func parseEventStatus(s string) (*model.EventStatus, bool) {
	var st model.EventStatus
	switch s {
	case "":
		return nil, true
	case "scheduled":
		st = model.StatusScheduled
	case "dispensed":
		st = model.StatusDispensed
	case "taken":
		st = model.StatusTaken
	case "missed":
		st = model.StatusMissed
	case "skipped":
		st = model.StatusSkipped
	case "cancelled":
		st = model.StatusCancelled
	default:
		return nil, false
	}
	return &st, true
}

// NewListHandler returns an HTTP handler exposing dispensing events via
// GET /api/events. Time bounds are RFC 3339 query parameters.
func NewListHandler(st store.EventStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, ok := parseEventStatus(r.URL.Query().Get("status"))
		if !ok {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		f := store.EventFilter{
			ScheduleID: r.URL.Query().Get("schedule_id"),
			PatientID:  r.URL.Query().Get("patient_id"),
			DeviceID:   r.URL.Query().Get("device_id"),
			Status:     status,
		}
		for _, bound := range []struct {
			param string
			dst   *time.Time
		}{
			{"from", &f.From},
			{"to", &f.To},
		} {
			if v := r.URL.Query().Get(bound.param); v != "" {
				at, err := time.Parse(time.RFC3339, v)
				if err != nil {
					http.Error(w, "invalid "+bound.param, http.StatusBadRequest)
					return
				}
				*bound.dst = at
			}
		}
		list, err := st.Events(r.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]eventView, 0, len(list))
		for _, ev := range list {
			out = append(out, toView(ev))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// NewAdherenceHandler exposes adherence statistics via
// GET /api/adherence?patient_id=<id>&days=<n>.
func NewAdherenceHandler(reporter *dispense.Reporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		patientID := r.URL.Query().Get("patient_id")
		if patientID == "" {
			http.Error(w, "patient_id is required", http.StatusBadRequest)
			return
		}
		days := 7
		if v := r.URL.Query().Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid days", http.StatusBadRequest)
				return
			}
			days = n
		}
		to := time.Now()
		stats, err := reporter.Stats(r.Context(), patientID, to.AddDate(0, 0, -days), to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
