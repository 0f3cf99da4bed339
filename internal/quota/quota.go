package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"luki-gateway/internal/config"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/util"
)

// Window is the rolling quota span, anchored at the first message of the
// window rather than calendar midnight.
const Window = 24 * time.Hour

// Snapshot is one user's consumption state for the current window.
type Snapshot struct {
	WindowStart time.Time
	Count       int
}

// Store persists per-user daily counters. Increment must reset the window to
// (now, 1) when the stored window has expired.
type Store interface {
	Usage(ctx context.Context, key string) (Snapshot, bool, error)
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Snapshot, error)
}

// ExceededError is the structured rejection returned when a user has spent
// their daily message budget. It is user-actionable, not transient.
type ExceededError struct {
	Tier         identity.Tier
	Limit        int
	Used         int
	ResetInHours int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d/%d messages on %s tier, resets in %dh",
		e.Used, e.Limit, e.Tier, e.ResetInHours)
}

// Usage is the report returned to callers asking about their remaining
// budget.
type Usage struct {
	Tier         identity.Tier `json:"tier"`
	Limit        int           `json:"limit"`
	Used         int           `json:"used"`
	Remaining    int           `json:"remaining"`
	ResetInHours int           `json:"reset_in_hours"`
}

// Tracker enforces tiered daily message quotas. The shared store is
// authoritative; when it errors the tracker degrades to a process-local
// approximation rather than granting unlimited quota — quotas are a
// cost-control mechanism, so local accuracy beats fail-open here. This is
// deliberately the opposite of the rate limiter's failure policy.
type Tracker struct {
	cfg    config.QuotaConfig
	shared Store
	local  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker builds a tracker over an optional shared store. A nil shared
// store means local-only tracking from the start.
func NewTracker(cfg config.QuotaConfig, shared Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		shared: shared,
		local:  NewLocalStore(),
		logger: logger,
		now:    time.Now,
	}
}

// Limit resolves a tier to its daily ceiling. Anonymous callers must be
// coerced to free before calling; ParseTier already maps unknown values
// to free.
func (t *Tracker) Limit(tier identity.Tier) int {
	switch tier {
	case identity.TierPro:
		return t.cfg.ProDaily
	case identity.TierPlus:
		return t.cfg.PlusDaily
	default:
		return t.cfg.FreeDaily
	}
}

// Check is the read-only gate called before the costly action. It never
// mutates counters; Record is called after the action succeeds.
func (t *Tracker) Check(ctx context.Context, userID string, tier identity.Tier) error {
	snap, ok := t.usage(ctx, userID)
	if !ok {
		return nil
	}

	now := t.now()
	if now.Sub(snap.WindowStart) >= Window {
		// Window lapsed; the next Record resets it.
		return nil
	}

	limit := t.Limit(tier)
	if snap.Count >= limit {
		return &ExceededError{
			Tier:         tier,
			Limit:        limit,
			Used:         snap.Count,
			ResetInHours: t.resetHours(snap.WindowStart, true),
		}
	}
	return nil
}

// Record increments the user's counter for the current window. Increments
// always succeed; enforcement happens in Check.
func (t *Tracker) Record(ctx context.Context, userID string) {
	now := t.now()
	if t.shared != nil {
		if _, err := t.shared.Increment(ctx, userID, now, Window); err == nil {
			return
		} else {
			t.logger.Warn("quota store unavailable, tracking locally",
				util.String("user_id", userID),
				util.ErrorField(err),
			)
		}
	}
	if _, err := t.local.Increment(ctx, userID, now, Window); err != nil {
		t.logger.Error("local quota tracking failed", util.ErrorField(err))
	}
}

// Usage reports the caller's consumption without mutating it.
func (t *Tracker) Usage(ctx context.Context, userID string, tier identity.Tier) Usage {
	limit := t.Limit(tier)
	u := Usage{Tier: tier, Limit: limit, Remaining: limit}

	snap, ok := t.usage(ctx, userID)
	if !ok || t.now().Sub(snap.WindowStart) >= Window {
		return u
	}

	u.Used = snap.Count
	u.Remaining = limit - snap.Count
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	u.ResetInHours = t.resetHours(snap.WindowStart, snap.Count >= limit)
	return u
}

// usage consults the shared store first and falls back to the local
// approximation on error.
func (t *Tracker) usage(ctx context.Context, userID string) (Snapshot, bool) {
	if t.shared != nil {
		snap, ok, err := t.shared.Usage(ctx, userID)
		if err == nil {
			return snap, ok
		}
		t.logger.Warn("quota store read failed, using local state",
			util.String("user_id", userID),
			util.ErrorField(err),
		)
	}
	snap, ok, err := t.local.Usage(ctx, userID)
	if err != nil {
		return Snapshot{}, false
	}
	return snap, ok
}

// resetHours reports whole hours until the window resets: ceil of the
// remainder, floored at 1 when the quota is exhausted and at 0 otherwise.
func (t *Tracker) resetHours(windowStart time.Time, exceeded bool) int {
	remaining := windowStart.Add(Window).Sub(t.now())
	hours := int(math.Ceil(remaining.Hours()))
	floor := 0
	if exceeded {
		floor = 1
	}
	if hours < floor {
		hours = floor
	}
	return hours
}
