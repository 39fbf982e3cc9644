// Package quota enforces per-tenant submission rate limits.
package quota

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

type windowKey struct {
	tenantID string
	tier     configuration.Tier
}

type window struct {
	start time.Time
	count int
}

// Tracker counts submissions per (tenant, tier) in fixed windows aligned to
// the tier's QuotaWindow. Windows reset when they elapse; stale windows are
// dropped lazily on the next check.
type Tracker struct {
	mu      sync.Mutex
	tiers   map[configuration.Tier]configuration.TierConfig
	windows map[windowKey]*window
	clock   clock.PassiveClock
}

func NewTracker(tiers map[configuration.Tier]configuration.TierConfig, clk clock.PassiveClock) *Tracker {
	return &Tracker{
		tiers:   tiers,
		windows: make(map[windowKey]*window),
		clock:   clk,
	}
}

// CheckAndConsume atomically consumes one unit of a tenant's quota for the
// given tier. If the tenant is over quota, allowed is false and retryAfter is
// the time until the current window resets.
func (t *Tracker) CheckAndConsume(tenantID string, tier configuration.Tier) (allowed bool, remaining int, retryAfter time.Duration) {
	tc, ok := t.tiers[tier]
	if !ok {
		return false, 0, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	windowStart := now.Truncate(tc.QuotaWindow)

	key := windowKey{tenantID: tenantID, tier: tier}
	w, ok := t.windows[key]
	if !ok || w.start.Before(windowStart) {
		w = &window{start: windowStart}
		t.windows[key] = w
	}

	if w.count >= tc.QuotaLimit {
		return false, 0, windowStart.Add(tc.QuotaWindow).Sub(now)
	}
	w.count++
	return true, tc.QuotaLimit - w.count, 0
}
