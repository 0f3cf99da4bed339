package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/cache"
	"luki-gateway/internal/client"
	"luki-gateway/internal/config"
	"luki-gateway/internal/identity"
)

func newProxyTestHandler(t *testing.T, upstreamURL string, responseCache *cache.ResponseCache) (*ProxyHandler, *client.Services) {
	t.Helper()
	logger := zap.NewNop()

	services := client.NewServices(config.ServicesConfig{
		AgentURL:     upstreamURL,
		MemoryURL:    upstreamURL,
		CognitiveURL: upstreamURL,
		SecurityURL:  upstreamURL,
		WalletURL:    upstreamURL,
		Timeout:      5 * time.Second,
	}, logger)

	breakers := breaker.NewManager(config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}, logger)

	return NewProxyHandler(breakers, services, responseCache, logger), services
}

func proxyRequest(method, path, userID, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", userID)
	req.RemoteAddr = "10.1.1.1:7000"
	return req.WithContext(identity.WithContext(req.Context(), identity.FromRequest(req)))
}

func TestProxyRelaysDownstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memories", r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]string{"id": "m1"})
	}))
	defer upstream.Close()

	h, services := newProxyTestHandler(t, upstream.URL, nil)

	rec := httptest.NewRecorder()
	h.forward(rec, proxyRequest(http.MethodPost, "/v1/memories", "u1", `{"text":"note"}`), services.Memory)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "m1")
}

func TestProxyWriteInvalidatesCallerEntries(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	}))
	defer upstream.Close()

	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())
	h, services := newProxyTestHandler(t, upstream.URL, responseCache)

	writerKey := responseCache.Key("/v1/memories", "user:u1", nil)
	otherKey := responseCache.Key("/v1/memories", "user:u2", nil)
	responseCache.Set(writerKey, []byte(`[]`), "user:u1", "/v1/memories")
	responseCache.Set(otherKey, []byte(`[]`), "user:u2", "/v1/memories")

	rec := httptest.NewRecorder()
	h.forward(rec, proxyRequest(http.MethodPost, "/v1/memories", "u1", `{"text":"note"}`), services.Memory)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Nil(t, responseCache.Get(writerKey))
	assert.NotNil(t, responseCache.Get(otherKey))
}

func TestProxyActivityWriteInvalidatesSharedFeed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
	}))
	defer upstream.Close()

	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())
	h, services := newProxyTestHandler(t, upstream.URL, responseCache)

	writerFeed := responseCache.Key("/v1/activities/list", "user:u1", nil)
	otherFeed := responseCache.Key("/v1/activities/list", "user:u2", nil)
	otherMemories := responseCache.Key("/v1/memories", "user:u2", nil)
	responseCache.Set(writerFeed, []byte(`[]`), "user:u1", "/v1/activities/list")
	responseCache.Set(otherFeed, []byte(`[]`), "user:u2", "/v1/activities/list")
	responseCache.Set(otherMemories, []byte(`[]`), "user:u2", "/v1/memories")

	rec := httptest.NewRecorder()
	h.forward(rec, proxyRequest(http.MethodPost, "/v1/activities/join", "u1", `{"activity_id":"a1"}`), services.Memory)
	require.Equal(t, http.StatusOK, rec.Code)

	// The shared feed is dropped for everyone; unrelated entries survive.
	assert.Nil(t, responseCache.Get(writerFeed))
	assert.Nil(t, responseCache.Get(otherFeed))
	assert.NotNil(t, responseCache.Get(otherMemories))
}

func TestProxyFailedWriteKeepsCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	responseCache := cache.New(config.CacheConfig{MaxSize: 10}, zap.NewNop())
	h, services := newProxyTestHandler(t, upstream.URL, responseCache)

	key := responseCache.Key("/v1/memories", "user:u1", nil)
	responseCache.Set(key, []byte(`[]`), "user:u1", "/v1/memories")

	rec := httptest.NewRecorder()
	h.forward(rec, proxyRequest(http.MethodPost, "/v1/memories", "u1", `{}`), services.Memory)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	assert.NotNil(t, responseCache.Get(key))
}
