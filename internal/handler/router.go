package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"luki-gateway/internal/cache"
	"luki-gateway/internal/config"
	"luki-gateway/internal/ratelimit"
)

// requireHTTPS rejects any request that wasn't made over TLS.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers collects everything the router mounts.
type Handlers struct {
	Chat          *ChatHandler
	Proxy         *ProxyHandler
	Conversations *ConversationHandler
	Health        *HealthHandler
}

// NewRouter wires the chi router: logging and recovery first, then identity
// resolution, rate limiting, and the response cache in front of the routes.
func NewRouter(cfg *config.Config, h Handlers, limiter *ratelimit.Limiter, responseCache *cache.ResponseCache, recorder EventRecorder, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-API-Key", "X-User-Tier"},
		ExposedHeaders:   []string{"X-Cache", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Use(IdentityMiddleware)
	router.Use(RateLimitMiddleware(limiter, recorder))

	h.Health.RegisterRoutes(router)

	router.Route("/v1", func(r chi.Router) {
		r.Use(CacheMiddleware(responseCache))
		h.Chat.RegisterRoutes(r)
		h.Proxy.RegisterRoutes(r)
		if h.Conversations != nil {
			h.Conversations.RegisterRoutes(r)
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return router
}
