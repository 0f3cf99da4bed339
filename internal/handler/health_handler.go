package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/cache"
	"luki-gateway/internal/health"
	"luki-gateway/internal/ratelimit"
)

// HealthHandler exposes liveness, readiness, and the full dependency
// report, plus a circuit breaker snapshot for operators.
type HealthHandler struct {
	monitor  *health.Monitor
	breakers *breaker.Manager
	limiter  *ratelimit.Limiter
	cache    *cache.ResponseCache
}

func NewHealthHandler(monitor *health.Monitor, breakers *breaker.Manager, limiter *ratelimit.Limiter, responseCache *cache.ResponseCache) *HealthHandler {
	return &HealthHandler{
		monitor:  monitor,
		breakers: breakers,
		limiter:  limiter,
		cache:    responseCache,
	}
}

func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Full)
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/circuits", h.Circuits)
}

// Live answers as long as the process is serving; it checks nothing else.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether the gateway should receive traffic. Degraded still
// serves; only unhealthy flips readiness off.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := h.monitor.OverallStatus()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(overall)})
}

// Full returns the dependency report plus gateway-side stats.
func (h *HealthHandler) Full(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Report()

	body := map[string]interface{}{
		"service":        "luki-gateway",
		"overall_status": report.OverallStatus,
		"timestamp":      report.Timestamp.Format(time.RFC3339),
		"services":       report.Services,
	}
	if h.limiter != nil {
		body["rate_limiter"] = h.limiter.Stats()
	}
	if h.cache != nil {
		body["cache"] = h.cache.Stats()
	}

	status := http.StatusOK
	if report.OverallStatus == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Circuits snapshots every breaker the gateway has opened so far.
func (h *HealthHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breakers": h.breakers.AllStatus(),
	})
}
