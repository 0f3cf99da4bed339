package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"luki-gateway/internal/util"
)

// Status of a monitored service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const (
	defaultSweepInterval = 30 * time.Second
	errorBackoff         = 10 * time.Second
)

// ServiceRecord is the monitored state of one downstream service.
type ServiceRecord struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Status              Status     `json:"status"`
	LastCheck           *time.Time `json:"last_check,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ResponseTimeMillis  float64    `json:"response_time_ms"`

	timeout  time.Duration
	interval time.Duration
}

// Report is a full snapshot served by the health endpoint.
type Report struct {
	OverallStatus Status                   `json:"overall_status"`
	Timestamp     time.Time                `json:"timestamp"`
	Services      map[string]ServiceRecord `json:"services"`
}

// Monitor polls registered downstream services on a timer. It is
// informational and push-based; the circuit breaker reacts to actual call
// outcomes independently, and the two may disagree transiently.
type Monitor struct {
	logger *zap.Logger
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	services map[string]*ServiceRecord
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:   logger,
		client:   &http.Client{},
		now:      time.Now,
		services: make(map[string]*ServiceRecord),
	}
}

// Register adds a service to the monitoring set. Registering the same name
// again replaces the previous record.
func (m *Monitor) Register(name, url string, timeout, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &ServiceRecord{
		Name:     name,
		URL:      url,
		Status:   StatusUnknown,
		timeout:  timeout,
		interval: interval,
	}
	m.logger.Info("registered service for health monitoring",
		util.String("service", name),
		util.String("url", url),
	)
}

// CheckAll probes every registered service concurrently and returns the
// resulting statuses. Individual probe failures never abort the sweep.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	results := make(map[string]Status, len(names))
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			status := m.checkOne(gctx, name)
			resMu.Lock()
			results[name] = status
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// checkOne probes <url>/health with a hard per-call timeout and updates the
// record: 200 is healthy, any other response is degraded, and a transport
// error or timeout is unhealthy.
func (m *Monitor) checkOne(ctx context.Context, name string) Status {
	m.mu.Lock()
	rec, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return StatusUnknown
	}
	url := rec.URL
	timeout := rec.timeout
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return m.recordResult(name, StatusUnhealthy, 0, err.Error())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("health check failed",
			util.String("service", name),
			util.ErrorField(err),
		)
		return m.recordResult(name, StatusUnhealthy, 0, err.Error())
	}
	defer resp.Body.Close()

	elapsed := float64(m.now().Sub(start).Microseconds()) / 1000.0

	if resp.StatusCode == http.StatusOK {
		m.logger.Debug("health check passed",
			util.String("service", name),
			util.Float64("response_time_ms", elapsed),
		)
		return m.recordResult(name, StatusHealthy, elapsed, "")
	}

	m.logger.Warn("health check degraded",
		util.String("service", name),
		util.Int("status_code", resp.StatusCode),
	)
	return m.recordResult(name, StatusDegraded, elapsed, fmt.Sprintf("HTTP %d", resp.StatusCode))
}

func (m *Monitor) recordResult(name string, status Status, elapsedMillis float64, errMsg string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.services[name]
	if !ok {
		return status
	}

	now := m.now()
	rec.Status = status
	rec.LastCheck = &now
	rec.LastError = errMsg
	if elapsedMillis > 0 {
		rec.ResponseTimeMillis = elapsedMillis
	}
	if status == StatusHealthy {
		rec.LastSuccess = &now
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
	}
	return status
}

// Start launches the background sweep loop. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		m.logger.Warn("health monitoring already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(ctx, done)
	m.logger.Info("started health monitoring")
}

// Stop cancels the loop and waits for the current sweep to wind down.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("stopped health monitoring")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		sleep := m.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// sweep runs one full pass and returns how long to sleep before the next.
// A panicking or failing sweep backs off briefly instead of killing the loop.
func (m *Monitor) sweep(ctx context.Context) (sleep time.Duration) {
	sleep = m.sweepInterval()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health monitoring sweep panicked",
				util.Any("panic", r),
			)
			sleep = errorBackoff
		}
	}()

	m.CheckAll(ctx)
	return sleep
}

// sweepInterval is the minimum configured interval across all services,
// defaulting to 30s for an empty registry.
func (m *Monitor) sweepInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := defaultSweepInterval
	for _, rec := range m.services {
		if rec.interval > 0 && rec.interval < interval {
			interval = rec.interval
		}
	}
	return interval
}

// OverallStatus aggregates: any unhealthy wins, then any degraded, then all
// healthy; an empty registry is unknown.
func (m *Monitor) OverallStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.services) == 0 {
		return StatusUnknown
	}

	allHealthy := true
	anyDegraded := false
	for _, rec := range m.services {
		switch rec.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			anyDegraded = true
			allHealthy = false
		case StatusUnknown:
			allHealthy = false
		}
	}
	if anyDegraded {
		return StatusDegraded
	}
	if allHealthy {
		return StatusHealthy
	}
	return StatusUnknown
}

// Report snapshots all service records plus the aggregate status.
func (m *Monitor) Report() Report {
	overall := m.OverallStatus()

	m.mu.Lock()
	defer m.mu.Unlock()

	services := make(map[string]ServiceRecord, len(m.services))
	for name, rec := range m.services {
		services[name] = *rec
	}
	return Report{
		OverallStatus: overall,
		Timestamp:     m.now().UTC(),
		Services:      services,
	}
}
