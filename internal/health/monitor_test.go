package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckAllMapsProbeOutcomes(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer degraded.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close() // connection refused

	m := NewMonitor(zap.NewNop())
	m.Register("agent", healthy.URL, 2*time.Second, 30*time.Second)
	m.Register("memory", degraded.URL, 2*time.Second, 30*time.Second)
	m.Register("wallet", down.URL, 2*time.Second, 30*time.Second)

	results := m.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, results["agent"])
	assert.Equal(t, StatusDegraded, results["memory"])
	assert.Equal(t, StatusUnhealthy, results["wallet"])

	report := m.Report()
	assert.Equal(t, StatusUnhealthy, report.OverallStatus)
	assert.Equal(t, "HTTP 503", report.Services["memory"].LastError)
	assert.NotNil(t, report.Services["agent"].LastSuccess)
	assert.Equal(t, 1, report.Services["wallet"].ConsecutiveFailures)
}

func TestOverallStatusAggregation(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	assert.Equal(t, StatusUnknown, m.OverallStatus())

	m.Register("agent", "http://localhost:1", time.Second, time.Minute)
	// Registered but never checked.
	assert.Equal(t, StatusUnknown, m.OverallStatus())

	m.recordResult("agent", StatusHealthy, 1.5, "")
	assert.Equal(t, StatusHealthy, m.OverallStatus())

	m.Register("memory", "http://localhost:2", time.Second, time.Minute)
	m.recordResult("memory", StatusDegraded, 0, "HTTP 500")
	assert.Equal(t, StatusDegraded, m.OverallStatus())

	m.recordResult("memory", StatusUnhealthy, 0, "refused")
	assert.Equal(t, StatusUnhealthy, m.OverallStatus())
}

func TestProbeTimeoutIsUnhealthy(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	m := NewMonitor(zap.NewNop())
	m.Register("agent", slow.URL, 50*time.Millisecond, time.Minute)

	results := m.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, results["agent"])
}

func TestSweepIntervalUsesMinimum(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	assert.Equal(t, defaultSweepInterval, m.sweepInterval())

	m.Register("agent", "http://localhost:1", time.Second, 20*time.Second)
	m.Register("memory", "http://localhost:2", time.Second, 5*time.Second)
	assert.Equal(t, 5*time.Second, m.sweepInterval())
}

func TestStartStopIdempotent(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.Register("agent", "http://localhost:1", 10*time.Millisecond, time.Minute)

	m.Start()
	m.Start() // no-op
	m.Stop()
	m.Stop() // no-op

	// Restart works after a full stop.
	m.Start()
	m.Stop()
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.Register("agent", "http://localhost:1", time.Second, time.Minute)

	m.recordResult("agent", StatusUnhealthy, 0, "refused")
	m.recordResult("agent", StatusUnhealthy, 0, "refused")
	require.Equal(t, 2, m.Report().Services["agent"].ConsecutiveFailures)

	m.recordResult("agent", StatusHealthy, 2.0, "")
	rec := m.Report().Services["agent"]
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Empty(t, rec.LastError)
}
