package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"luki-gateway/internal/config"
	"luki-gateway/internal/util"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failing, reject requests
	StateHalfOpen State = "half_open" // testing recovery
)

// Status is a snapshot of one breaker for the health report.
type Status struct {
	Service         string     `json:"service"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
	TimeoutSeconds  float64    `json:"timeout_seconds"`
}

// Breaker tracks one downstream service's health from the caller's
// perspective. Transitions:
//
//	closed    -> open       after failureThreshold consecutive failures
//	open      -> half_open  once timeout has elapsed since the last failure,
//	                        performed inside CanAttempt on the next check
//	half_open -> closed     after successThreshold consecutive successes
//	half_open -> open       on any single failure
type Breaker struct {
	service          string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	logger           *zap.Logger
	now              func() time.Time
	// notify fires after each state change while the breaker's lock is
	// held; it must not call back into the breaker.
	notify func(service string, from, to State)

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastStateChange time.Time
}

func New(service string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	b := &Breaker{
		service:          service,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		logger:           logger,
		now:              time.Now,
		state:            StateClosed,
	}
	b.lastStateChange = b.now()
	return b
}

// CanAttempt reports whether a call may proceed. When the open-state timeout
// has elapsed it transitions to half-open as a side effect and lets the
// probe request through.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.lastFailure.IsZero() || b.now().Sub(b.lastFailure) >= b.timeout {
			b.toHalfOpen()
			return true
		}
		return false
	}
	return false
}

// RecordSuccess counts a successful call. In half-open, enough consecutive
// successes close the breaker; in closed it clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		b.logger.Info("circuit breaker probe succeeded",
			util.String("service", b.service),
			util.Int("successes", b.successCount),
			util.Int("threshold", b.successThreshold),
		)
		if b.successCount >= b.successThreshold {
			b.toClosed()
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure counts a failed call. A single failure in half-open reopens
// the breaker immediately: a flapping service must not keep passing partial
// probes while failing real traffic.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		b.logger.Warn("circuit breaker recorded failure",
			util.String("service", b.service),
			util.Int("failures", b.failureCount),
			util.Int("threshold", b.failureThreshold),
		)
		if b.failureCount >= b.failureThreshold {
			b.toOpen()
		}
	case StateHalfOpen:
		b.toOpen()
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for reporting.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Service:         b.service,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastStateChange: b.lastStateChange,
		TimeoutSeconds:  b.timeout.Seconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailure = &t
	}
	return st
}

// Callers hold b.mu for all three transitions.

func (b *Breaker) toOpen() {
	from := b.state
	b.state = StateOpen
	b.successCount = 0
	b.lastStateChange = b.now()
	b.logger.Error("circuit breaker opened",
		util.String("service", b.service),
		util.Int("failure_count", b.failureCount),
		util.Duration("timeout", b.timeout),
	)
	b.transitioned(from, StateOpen)
}

func (b *Breaker) toHalfOpen() {
	from := b.state
	b.state = StateHalfOpen
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = b.now()
	b.logger.Info("circuit breaker entering half-open state",
		util.String("service", b.service),
	)
	b.transitioned(from, StateHalfOpen)
}

func (b *Breaker) toClosed() {
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = b.now()
	b.logger.Info("circuit breaker closed, service recovered",
		util.String("service", b.service),
	)
	b.transitioned(from, StateClosed)
}

func (b *Breaker) transitioned(from, to State) {
	if b.notify != nil {
		b.notify(b.service, from, to)
	}
}
