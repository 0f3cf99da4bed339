package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"luki-gateway/internal/cache"
	"luki-gateway/internal/config"
	"luki-gateway/internal/ratelimit"
)

func limitedChain(requestsPerMinute int) http.Handler {
	cfg := config.RateLimitConfig{
		Enabled:            true,
		RequestsPerMinute:  requestsPerMinute,
		AuthenticatedMulti: 2,
		ExemptPaths:        []string{"/health"},
	}
	limiter := ratelimit.NewLimiter(cfg, ratelimit.NewLocalStore(), zap.NewNop())

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	})
	return IdentityMiddleware(RateLimitMiddleware(limiter, nil)(ok))
}

func TestRateLimitMiddlewareRejectsWithRetryAfter(t *testing.T) {
	h := limitedChain(2)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		req.RemoteAddr = "10.1.1.1:7000"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.NotNil(t, body["retry_after"])
}

func TestRateLimitMiddlewareSeparatesCallers(t *testing.T) {
	h := limitedChain(1)

	first := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	first.RemoteAddr = "10.1.1.1:7000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same IP is throttled; a different IP is not.
	again := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	again.RemoteAddr = "10.1.1.1:7001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, again)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	other.RemoteAddr = "10.2.2.2:7000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareExemptions(t *testing.T) {
	h := limitedChain(1)

	// Health checks and CORS preflights never consume budget.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.1.1:7000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		preflight := httptest.NewRequest(http.MethodOptions, "/v1/memories", nil)
		preflight.RemoteAddr = "10.1.1.1:7000"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, preflight)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCacheMiddlewareHitAndMiss(t *testing.T) {
	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())

	calls := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]int{"calls": calls})
	})
	h := IdentityMiddleware(CacheMiddleware(responseCache)(upstream))

	req := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	req.RemoteAddr = "10.1.1.1:7000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	firstBody := rec.Body.String()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, firstBody, rec.Body.String())
	assert.Equal(t, 1, calls)
}

func TestCacheMiddlewareSkipsWrites(t *testing.T) {
	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())

	calls := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]int{"calls": calls})
	})
	h := IdentityMiddleware(CacheMiddleware(responseCache)(upstream))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/memories", nil)
		req.RemoteAddr = "10.1.1.1:7000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("X-Cache"))
	}
	assert.Equal(t, 2, calls)
}

func TestCacheMiddlewareDoesNotStoreErrors(t *testing.T) {
	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, "boom")
	})
	h := IdentityMiddleware(CacheMiddleware(responseCache)(upstream))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		req.RemoteAddr = "10.1.1.1:7000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
}
