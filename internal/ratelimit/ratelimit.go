package ratelimit

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"luki-gateway/internal/config"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/util"
)

// Window is the fixed rate-limit accounting span.
const Window = 60 * time.Second

// Result is a backing store's view of one identity's window after an
// attempted take.
type Result struct {
	Allowed bool
	Count   int
	// Oldest is the oldest counted request; zero when the window is empty.
	// Used to derive the retry-after hint.
	Oldest time.Time
}

// Store records request timestamps per identity key inside a sliding window.
// TakeSlot atomically prunes entries older than now-window, rejects when the
// remaining count has reached limit, and records now otherwise.
type Store interface {
	TakeSlot(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Decision is the limiter's answer for a single request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies per-identity sliding-window throttling with different
// ceilings for anonymous and authenticated callers. While the shared store
// errors, enforcement degrades to a persistent process-local window; the
// limiter only fails fully open if the local store errors too.
type Limiter struct {
	cfg      config.RateLimitConfig
	store    Store
	fallback *LocalStore
	logger   *zap.Logger
	now      func() time.Time

	checked     atomic.Int64
	rejected    atomic.Int64
	storeErrors atomic.Int64
	failOpen    atomic.Int64
}

// NewLimiter creates a limiter over the given backing store. The store is
// the shared Redis implementation when available, or the process-local
// fallback otherwise. A separate local store is always kept so enforcement
// survives a shared-store outage that starts after startup.
func NewLimiter(cfg config.RateLimitConfig, store Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:      cfg,
		store:    store,
		fallback: NewLocalStore(),
		logger:   logger,
		now:      time.Now,
	}
}

// Ceiling returns the requests-per-window limit for a caller.
func (l *Limiter) Ceiling(authenticated bool) int {
	if authenticated {
		return l.cfg.RequestsPerMinute * l.cfg.AuthenticatedMulti
	}
	return l.cfg.RequestsPerMinute
}

// Exempt reports whether a request bypasses rate limiting entirely.
// CORS preflights never consume budget.
func (l *Limiter) Exempt(method, path string) bool {
	if !l.cfg.Enabled {
		return true
	}
	if method == "OPTIONS" {
		return true
	}
	for _, p := range l.cfg.ExemptPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Check records the request against the caller's window and decides whether
// it may proceed. A shared-store failure is logged and the request is
// checked against the process-local window instead, so a caller still hits
// a per-instance ceiling during an outage.
func (l *Limiter) Check(ctx context.Context, id identity.Identity) Decision {
	limit := l.Ceiling(id.Authenticated)
	l.checked.Add(1)

	res, err := l.store.TakeSlot(ctx, id.Key, limit, Window)
	if err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("rate limit store unavailable, enforcing locally",
			util.String("identity", id.Key),
			util.ErrorField(err),
		)
		res, err = l.fallback.TakeSlot(ctx, id.Key, limit, Window)
		if err != nil {
			l.failOpen.Add(1)
			return Decision{Allowed: true, Limit: limit, Remaining: limit}
		}
	}

	if !res.Allowed {
		l.rejected.Add(1)
		d := Decision{Allowed: false, Limit: limit, RetryAfter: l.retryAfter(res)}
		l.logger.Warn("rate limit exceeded",
			util.String("identity", id.Key),
			util.Int("limit", limit),
			util.Int("count", res.Count),
			util.Duration("retry_after", d.RetryAfter),
		)
		return d
	}

	remaining := limit - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}
}

// retryAfter is the time until the oldest counted request ages out.
func (l *Limiter) retryAfter(res Result) time.Duration {
	if res.Oldest.IsZero() {
		return Window
	}
	wait := res.Oldest.Add(Window).Sub(l.now())
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Stats reports limiter counters for the health report.
func (l *Limiter) Stats() map[string]int64 {
	return map[string]int64{
		"checked":      l.checked.Load(),
		"rejected":     l.rejected.Load(),
		"store_errors": l.storeErrors.Load(),
		"fail_open":    l.failOpen.Load(),
	}
}
