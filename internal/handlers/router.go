package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"certdepot/config"
	"certdepot/internal/inventory"
	"certdepot/internal/logger"
	"certdepot/internal/metrics"
	"certdepot/middleware"
)

// RouterOptions wires the admin surface.
type RouterOptions struct {
	Config config.Config
	Label  string
	Source inventory.Source
	// Pool is optional; without it /api/status omits the worker pool.
	Pool metrics.StatusProvider
	// Log receives access, error and rate limit entries.
	Log logger.Logger
	// Limits defaults to middleware.AdminLimits when Burst is zero.
	Limits middleware.Limits
}

// NewRouter builds the admin HTTP surface with its own metrics registry.
func NewRouter(opts RouterOptions) *chi.Mux {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(metrics.NewCertificateCollector(opts.Source))
	if opts.Pool != nil {
		registry.MustRegister(metrics.NewPoolCollector(opts.Pool))
	}

	log := opts.Log
	limits := opts.Limits
	if limits.Burst == 0 {
		limits = middleware.AdminLimits()
	}
	if limits.Rejected == nil {
		limits.Rejected = func(req *http.Request, peer string) {
			log.Warn().
				Str("event_category", "http").
				Str("peer", peer).
				Str("path", req.URL.Path).
				Str("request_id", middleware.GetRequestID(req.Context())).
				Msg("admin request over budget")
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recover(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Limit(limits))

	r.Get("/api/health", HealthCheck)
	r.Get("/api/ready", ReadinessCheck(opts.Source, log))
	r.Get("/api/status", StatusHandler(opts.Label, opts.Source, opts.Pool, log))
	r.Get("/api/version", VersionHandler(log))
	r.Get("/api/config", GetConfig(opts.Config, log))
	r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: promErrorLog{&log},
	}).ServeHTTP)
	RegisterCertRoutes(r, opts.Source, log)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	return r
}

// promErrorLog sends promhttp collection errors to the server logger.
type promErrorLog struct{ log *logger.Logger }

func (p promErrorLog) Println(v ...interface{}) {
	p.log.Error().Str("event_category", "metrics").Msg(fmt.Sprint(v...))
}
