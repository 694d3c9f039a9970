package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	deperrors "certdepot/internal/errors"
	"certdepot/internal/inventory"
	"certdepot/internal/logger"
	"certdepot/middleware"
)

// RegisterCertRoutes mounts the read-only certificate inventory.
func RegisterCertRoutes(r chi.Router, source inventory.Source, log logger.Logger) {
	r.Get("/api/certs", func(w http.ResponseWriter, req *http.Request) {
		certificates, err := source.ListCertificates(req.Context())
		if err != nil {
			writeError(w, req, &log, err, "failed to list certificates")
			return
		}
		writeJSON(w, req, &log, certificates)
	})

	r.Get("/api/certs/{serial}", func(w http.ResponseWriter, req *http.Request) {
		details, err := source.GetCertificateDetails(req.Context(), chi.URLParam(req, "serial"))
		if err != nil {
			writeError(w, req, &log, err, "failed to get certificate details")
			return
		}
		writeJSON(w, req, &log, details)
	})

	r.Get("/api/certs/{serial}/pem", func(w http.ResponseWriter, req *http.Request) {
		resp, err := source.GetCertificatePEM(req.Context(), chi.URLParam(req, "serial"))
		if err != nil {
			writeError(w, req, &log, err, "failed to get certificate PEM")
			return
		}
		if req.URL.Query().Get("download") == "true" {
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Header().Set("Content-Disposition", `attachment; filename="`+resp.SerialNumber+`.crt"`)
			_, _ = w.Write([]byte(resp.PEM))
			return
		}
		writeJSON(w, req, &log, resp)
	})

	r.Post("/api/cache/invalidate", func(w http.ResponseWriter, req *http.Request) {
		source.InvalidateCache()
		logger.HTTPEvent(&log, req.Method, req.URL.Path, http.StatusNoContent, 0).
			Str("request_id", middleware.GetRequestID(req.Context())).
			Msg("inventory cache invalidated")
		w.WriteHeader(http.StatusNoContent)
	})
}

// statusFor maps a depot error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case deperrors.IsValidation(err):
		return http.StatusBadRequest
	case deperrors.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, req *http.Request, log *logger.Logger, err error, msg string) {
	status := statusFor(err)
	logger.HTTPError(log, req.Method, req.URL.Path, status, err).
		Str("request_id", middleware.GetRequestID(req.Context())).
		Msg(msg)
	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, req *http.Request, log *logger.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.HTTPError(log, req.Method, req.URL.Path, http.StatusInternalServerError, err).
			Str("request_id", middleware.GetRequestID(req.Context())).
			Msg("failed to encode response")
	}
}
