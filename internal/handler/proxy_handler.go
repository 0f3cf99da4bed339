package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/cache"
	"luki-gateway/internal/client"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/util"
)

const maxProxyBodyBytes = 1 << 20

// ProxyHandler forwards resource requests to their owning downstream
// service under that service's circuit breaker. The gateway never
// interprets the payloads; it only enforces its own policies around them.
type ProxyHandler struct {
	breakers *breaker.Manager
	services *client.Services
	cache    *cache.ResponseCache
	logger   *zap.Logger
}

func NewProxyHandler(breakers *breaker.Manager, services *client.Services, responseCache *cache.ResponseCache, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		breakers: breakers,
		services: services,
		cache:    responseCache,
		logger:   logger,
	}
}

func (h *ProxyHandler) RegisterRoutes(r chi.Router) {
	forward := func(d *client.Downstream) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			h.forward(w, req, d)
		}
	}

	r.Handle("/memories", forward(h.services.Memory))
	r.Handle("/memories/*", forward(h.services.Memory))
	r.Handle("/elr/*", forward(h.services.Memory))
	r.Handle("/activities/*", forward(h.services.Memory))
	r.Handle("/cognitive/*", forward(h.services.Cognitive))
	r.Handle("/security/*", forward(h.services.Security))
	r.Post("/wallet/verify", forward(h.services.Wallet))
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, service *client.Downstream) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if len(body) == 0 {
			body = nil
		}
	}

	var resp *client.Response
	err := h.breakers.Execute(r.Context(), service.Name(), func(ctx context.Context) error {
		var err error
		resp, err = service.Do(ctx, r.Method, r.URL.Path, r.URL.Query(), body)
		if err != nil {
			return err
		}
		// Server-side failures count against the breaker; client errors
		// (4xx) are the caller's problem and pass through untouched.
		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.New(service.Name() + " returned " + http.StatusText(resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			writeError(w, http.StatusServiceUnavailable, service.Name()+" service temporarily unavailable")
			return
		}
		h.logger.Error("downstream request failed",
			util.String("service", service.Name()),
			util.String("path", r.URL.Path),
			util.ErrorField(err),
		)
		writeError(w, http.StatusBadGateway, "failed to reach "+service.Name()+" service")
		return
	}

	// A successful write may change what the caller's cached GETs would
	// return, so their entries are dropped. Activity feeds are shared
	// across users, so a write there drops every cached activities
	// response, not just the writer's.
	if h.cache != nil && r.Method != http.MethodGet && resp.StatusCode < http.StatusBadRequest {
		h.cache.InvalidateIdentity(identity.FromContext(r.Context()).Key)
		if strings.HasPrefix(r.URL.Path, "/v1/activities/") {
			h.cache.InvalidatePrefix("/v1/activities/")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
