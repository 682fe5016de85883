package devices

import (
	"encoding/json"
	"net/http"

	"github.com/tmarchal/medispense/core/devicestatus"
)

// NewStatusHandler returns an HTTP handler exposing device health via
// GET /api/devices/status.
func NewStatusHandler(store devicestatus.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f := devicestatus.Filter{
			PatientID:  r.URL.Query().Get("patient_id"),
			OnlineOnly: r.URL.Query().Get("online") == "true",
		}
		entries := store.List(f)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
