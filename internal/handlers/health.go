package handlers

import (
	"net/http"

	"certdepot/internal/inventory"
	"certdepot/internal/logger"
	"certdepot/middleware"
)

// HealthCheck answers 200 as long as the process serves HTTP.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ReadinessCheck answers 200 once the depot CA can be read, 503 otherwise.
func ReadinessCheck(source inventory.Source, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetRequestID(r.Context())
		if err := source.CheckConnection(r.Context()); err != nil {
			logger.HTTPError(&log, r.Method, r.URL.Path, http.StatusServiceUnavailable, err).
				Str("request_id", requestID).
				Msg("depot not ready")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
