package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/config"
	"luki-gateway/internal/health"
)

func newHealthTestHandler() *HealthHandler {
	logger := zap.NewNop()
	monitor := health.NewMonitor(logger)
	breakers := breaker.NewManager(config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}, logger)
	return NewHealthHandler(monitor, breakers, nil, nil)
}

func TestLiveAlwaysOK(t *testing.T) {
	h := newHealthTestHandler()
	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsMonitor(t *testing.T) {
	h := newHealthTestHandler()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	// Empty registry is unknown, which still serves.
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown", body["status"])
}

func TestCircuitsSnapshot(t *testing.T) {
	h := newHealthTestHandler()
	h.breakers.Get("agent").RecordFailure()

	rec := httptest.NewRecorder()
	h.Circuits(rec, httptest.NewRequest(http.MethodGet, "/health/circuits", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		CircuitBreakers map[string]breaker.Status `json:"circuit_breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.CircuitBreakers, "agent")
	assert.Equal(t, breaker.StateClosed, body.CircuitBreakers["agent"].State)
	assert.Equal(t, 1, body.CircuitBreakers["agent"].FailureCount)
}

func TestFullReport(t *testing.T) {
	h := newHealthTestHandler()
	rec := httptest.NewRecorder()
	h.Full(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "luki-gateway", body["service"])
	assert.Equal(t, "unknown", body["overall_status"])
}
