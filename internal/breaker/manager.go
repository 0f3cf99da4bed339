package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"luki-gateway/internal/config"
)

// ErrOpen is returned when a breaker rejects a call without attempting it.
// Callers should treat it as retryable-after-timeout, not as a failure of
// the request's own business logic.
var ErrOpen = errors.New("circuit breaker is open: service temporarily unavailable")

// Manager owns one breaker per downstream service name, created lazily on
// first use and kept for the process lifetime.
type Manager struct {
	cfg    config.BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	hookMu sync.RWMutex
	hook   func(service string, from, to State)
}

func NewManager(cfg config.BreakerConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// OnTransition registers a hook observing every breaker state change,
// e.g. to emit gateway events. The hook must not block; it runs on the
// request path.
func (m *Manager) OnTransition(hook func(service string, from, to State)) {
	m.hookMu.Lock()
	m.hook = hook
	m.hookMu.Unlock()
}

func (m *Manager) notifyTransition(service string, from, to State) {
	m.hookMu.RLock()
	hook := m.hook
	m.hookMu.RUnlock()
	if hook != nil {
		hook(service, from, to)
	}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		b = New(service, m.cfg, m.logger)
		b.notify = m.notifyTransition
		m.breakers[service] = b
	}
	return b
}

// Execute runs op under the service's breaker. When the breaker rejects, op
// is never invoked and the error wraps ErrOpen; otherwise op's outcome is
// recorded and its error propagated unchanged.
func (m *Manager) Execute(ctx context.Context, service string, op func(ctx context.Context) error) error {
	b := m.Get(service)

	if !b.CanAttempt() {
		return fmt.Errorf("%s: %w", service, ErrOpen)
	}

	if err := op(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// AllStatus snapshots every known breaker for the health report.
func (m *Manager) AllStatus() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Status()
	}
	return out
}
