package alerts

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

type alertView struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	MedicationID    string    `json:"medication_id,omitempty"`
	DeviceID        string    `json:"device_id,omitempty"`
	EventID         string    `json:"event_id,omitempty"`
	Type            string    `json:"type"`
	Severity        string    `json:"severity"`
	Status          string    `json:"status"`
	EscalationLevel int       `json:"escalation_level"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastEscalated   time.Time `json:"last_escalated"`
	AcknowledgedBy  string    `json:"acknowledged_by,omitempty"`
}

func toView(a model.Alert) alertView {
	return alertView{
		ID:              a.ID,
		PatientID:       a.PatientID,
		MedicationID:    a.MedicationID,
		DeviceID:        a.DeviceID,
		EventID:         a.EventID,
		Type:            a.Type.String(),
		Severity:        a.Severity.String(),
		Status:          a.Status.String(),
		EscalationLevel: a.EscalationLevel,
		Message:         a.Message,
		CreatedAt:       a.CreatedAt,
		LastEscalated:   a.LastEscalated,
		AcknowledgedBy:  a.AcknowledgedBy,
	}
}

func parseStatus(s string) (*model.AlertStatus, bool) {
	var st model.AlertStatus
	switch s {
	case "":
		return nil, true
	case "active":
		st = model.AlertActive
	case "acknowledged":
		st = model.AlertAcknowledged
	case "resolved":
		st = model.AlertResolved
	case "dismissed":
		st = model.AlertDismissed
	default:
		return nil, false
	}
	return &st, true
}

// NewListHandler returns an HTTP handler exposing alerts via
// GET /api/alerts. By default only active alerts are returned.
func NewListHandler(st store.AlertStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statusParam := r.URL.Query().Get("status")
		if statusParam == "" {
			statusParam = "active"
		}
		status, ok := parseStatus(statusParam)
		if !ok {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		f := store.AlertFilter{
			PatientID: r.URL.Query().Get("patient_id"),
			DeviceID:  r.URL.Query().Get("device_id"),
			Status:    status,
		}
		list, err := st.Alerts(r.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]alertView, 0, len(list))
		for _, a := range list {
			out = append(out, toView(a))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

type notificationView struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
}

// NewNotificationsHandler exposes the delivery log of one alert via
// GET /api/alerts/notifications?alert_id=<id>.
func NewNotificationsHandler(st store.AlertStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		alertID := r.URL.Query().Get("alert_id")
		if alertID == "" {
			http.Error(w, "alert_id is required", http.StatusBadRequest)
			return
		}
		if _, err := st.Alert(r.Context(), alertID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "alert not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recs, err := st.NotificationsByAlert(r.Context(), alertID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]notificationView, 0, len(recs))
		for _, n := range recs {
			out = append(out, notificationView{
				ID:        n.ID,
				Channel:   n.Channel,
				Recipient: n.Recipient,
				SentAt:    n.SentAt,
				Delivered: n.Delivered,
				Error:     n.Error,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
