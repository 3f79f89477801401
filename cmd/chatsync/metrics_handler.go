package main

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"chatsync/internal/tracing"
)

// handleMetrics returns the current metrics snapshot
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := tracing.Fields(r.Context())

		snapshot := s.metrics.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(snapshot); err != nil {
			s.logger.WithFields(fields).WithFields(logrus.Fields{
				"error": err,
			}).Error("Failed to encode metrics response")

			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		s.logger.WithFields(fields).Debug("Metrics endpoint served successfully")
	}
}
