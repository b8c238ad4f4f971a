package handlers

import (
	"net/http"

	"github.com/agentmesh/registry/internal/health"
)

// HandleNetworkHealth serves the aggregated network report. The window
// query parameter accepts "24h", "7d", and similar forms.
func HandleNetworkHealth(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := r.URL.Query().Get("window")

		report, err := monitor.Snapshot(r.Context(), window)
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// HandleLiveness is the plain process liveness probe.
func HandleLiveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
