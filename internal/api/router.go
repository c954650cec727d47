// Package api assembles the HTTP surface of the prescription service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/handlers"
	"github.com/drfirst/go-rxledger/internal/api/middleware"
)

// Deps are the collaborators the router needs
type Deps struct {
	Service   string
	Lifecycle handlers.Lifecycle
	Queue     handlers.Enqueuer
	Checks    map[string]handlers.Check
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the service router
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.Service))

	health := handlers.NewHealthHandler(d.Service, d.Checks)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	prescriptions := handlers.NewPrescriptionHandler(d.Lifecycle, logger)
	uploads := handlers.NewUploadHandler(d.Queue, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor)
		r.Mount("/patients", prescriptions.Routes())
		r.Post("/uploads", uploads.Upload)
	})
	return r
}
