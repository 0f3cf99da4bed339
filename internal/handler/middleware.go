package handler

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"luki-gateway/internal/cache"
	"luki-gateway/internal/events"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/ratelimit"
	"luki-gateway/internal/util"
)

// EventRecorder is the slice of the event pipeline the handlers need.
// *events.Recorder satisfies it; tests substitute a capturing fake.
type EventRecorder interface {
	Record(events.Event)
}

// IdentityMiddleware resolves the caller identity once per request and
// stores it in the context for the limiter, quota tracker, and cache.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.FromRequest(r)
		next.ServeHTTP(w, r.WithContext(identity.WithContext(r.Context(), id)))
	})
}

// RateLimitMiddleware enforces the sliding-window limiter. Rejections get a
// 429 with Retry-After; allowed requests carry the standard X-RateLimit
// headers so clients can pace themselves.
func RateLimitMiddleware(limiter *ratelimit.Limiter, recorder EventRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Exempt(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			id := identity.FromContext(r.Context())
			decision := limiter.Check(r.Context(), id)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				retrySecs := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retrySecs < 1 {
					retrySecs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retrySecs))

				if recorder != nil {
					recorder.Record(events.Event{
						Type:     events.TypeRateLimited,
						Identity: id.Key,
						Tier:     string(id.Tier),
						Method:   r.Method,
						Path:     r.URL.Path,
						Status:   http.StatusTooManyRequests,
						Detail:   fmt.Sprintf("limit=%d", decision.Limit),
					})
				}

				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":       "rate limit exceeded",
					"retry_after": retrySecs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CacheMiddleware serves eligible GETs from the response cache and fills it
// from successful upstream responses. Hits and misses are marked with an
// X-Cache header.
func CacheMiddleware(responseCache *cache.ResponseCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if responseCache == nil || !responseCache.ShouldCache(r.Method, r.URL.Path, r.Header) {
				next.ServeHTTP(w, r)
				return
			}

			id := identity.FromContext(r.Context())
			key := responseCache.Key(r.URL.Path, id.Key, r.URL.Query())

			if payload := responseCache.Get(key); payload != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				w.Write(payload)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			var buf bytes.Buffer
			ww.Tee(&buf)

			next.ServeHTTP(ww, r)

			if ww.Status() == http.StatusOK && buf.Len() > 0 {
				responseCache.Set(key, append([]byte(nil), buf.Bytes()...), id.Key, r.URL.Path)
			}
		})
	}
}

// LoggerMiddleware logs one structured line per request.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", requestID),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
