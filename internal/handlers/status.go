package handlers

import (
	"net/http"

	"certdepot/internal/inventory"
	"certdepot/internal/logger"
	"certdepot/internal/metrics"
	"certdepot/internal/supervisor"
	"certdepot/internal/version"
)

// StatusResponse describes the depot and its worker pool.
type StatusResponse struct {
	Version        string             `json:"version"`
	Label          string             `json:"label"`
	DepotAvailable bool               `json:"depotAvailable"`
	DepotError     string             `json:"depotError,omitempty"`
	Pool           *supervisor.Status `json:"pool,omitempty"`
}

// StatusHandler reports the depot label, whether its CA is readable and, when
// pool is not nil, the supervised workers.
func StatusHandler(label string, source inventory.Source, pool metrics.StatusProvider, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := StatusResponse{Version: version.Version, Label: label}
		if err := source.CheckConnection(r.Context()); err != nil {
			response.DepotError = err.Error()
		} else {
			response.DepotAvailable = true
		}
		if pool != nil {
			status := pool.Status()
			response.Pool = &status
		}
		writeJSON(w, r, &log, response)
	}
}

// VersionHandler reports build information.
func VersionHandler(log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, &log, version.Info())
	}
}
