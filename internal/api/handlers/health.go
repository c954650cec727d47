package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service string
	checks  map[string]Check
}

// NewHealthHandler creates a health handler with named readiness checks
func NewHealthHandler(service string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{service: service, checks: checks}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// Ready handles GET /ready. Every check must pass.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	status := "ready"
	if code != http.StatusOK {
		status = "not ready"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": results})
}
