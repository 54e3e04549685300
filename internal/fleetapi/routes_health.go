package fleetapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
}

// handleHealth reports aggregate worker health (spec §6: "GET /health —
// {status, version, uptime, workers{total,healthy,degraded,unhealthy}}").
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, healthy, degraded, unhealthy, err := s.store.HealthCounts(r.Context())
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Seconds(),
		"workers": map[string]int{
			"total":     total,
			"healthy":   healthy,
			"degraded":  degraded,
			"unhealthy": unhealthy,
		},
	})
}
