package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the watermark, pending uploads and the last cycle.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"scraper not running"})

		return
	}

	st, err := s.status.Status(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("Failed to read status")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"reading status failed"})

		return
	}

	writeJSON(w, http.StatusOK, st)
}
