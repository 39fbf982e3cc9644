// Package autoscaler reconciles desired vs actual pool size for elastic tiers.
package autoscaler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/metrics"
	"github.com/windlassproject/windlass/internal/windlass/pool"
	"github.com/windlassproject/windlass/internal/windlass/queue"
)

type direction int

const (
	directionUp   direction = 1
	directionDown direction = -1
)

func (d direction) String() string {
	if d == directionUp {
		return "up"
	}
	return "down"
}

// Autoscaler grows the pool when queue depth outpaces idle capacity and shrinks
// it (oldest idle first) when capacity sits unused, within each tier's
// min/max bounds. A tier is never scaled in opposite directions within one tick
// of itself, to avoid oscillation.
type Autoscaler struct {
	queue   *queue.PriorityQueue
	pool    *pool.WorkerPool
	tiers   map[configuration.Tier]configuration.TierConfig
	config  configuration.AutoscalerConfig
	metrics *metrics.Metrics
	clock   clock.PassiveClock

	lastDirection map[configuration.Tier]direction
	lastScaleAt   map[configuration.Tier]time.Time
}

func New(
	q *queue.PriorityQueue,
	p *pool.WorkerPool,
	tiers map[configuration.Tier]configuration.TierConfig,
	config configuration.AutoscalerConfig,
	m *metrics.Metrics,
	clk clock.PassiveClock,
) *Autoscaler {
	return &Autoscaler{
		queue:         q,
		pool:          p,
		tiers:         tiers,
		config:        config,
		metrics:       m,
		clock:         clk,
		lastDirection: make(map[configuration.Tier]direction),
		lastScaleAt:   make(map[configuration.Tier]time.Time),
	}
}

// elasticTiers returns the tiers this autoscaler manages. The free shared pool
// is always elastic; the pro warm pool participates only if configured.
func (a *Autoscaler) elasticTiers() []configuration.Tier {
	tiers := []configuration.Tier{configuration.TierFree}
	if a.config.ScalePro {
		tiers = append(tiers, configuration.TierPro)
	}
	return tiers
}

// Scale runs one reconciliation tick across all elastic tiers.
// A failure in one tier is logged and never blocks the others.
func (a *Autoscaler) Scale(ctx context.Context) {
	for _, tier := range a.elasticTiers() {
		a.scaleTier(ctx, tier)
	}
}

func (a *Autoscaler) scaleTier(ctx context.Context, tier configuration.Tier) {
	tc, ok := a.tiers[tier]
	if !ok {
		return
	}

	depth := a.queue.Depth(tier)
	stats := a.pool.Stats()[tier]
	now := a.clock.Now()

	// Backpressure past what the pool could ever absorb is surfaced, not
	// remediated: jobs stay queued.
	if depth > tc.MaxPoolSize {
		a.metrics.AutoscaleSaturation.WithLabelValues(string(tier)).Inc()
		log.Warnf("Tier %s queue depth %d exceeds maximum pool capacity %d", tier, depth, tc.MaxPoolSize)
	}

	// Keep the warm floor populated. Not counted as a directional scale event.
	if stats.Size < tc.MinPoolSize {
		a.spawn(ctx, tier, tc.MinPoolSize-stats.Size)
		return
	}

	if float64(depth) > float64(stats.Idle)*a.config.GrowthFactor {
		want := min(depth-stats.Idle, tc.MaxPoolSize-stats.Size)
		if want <= 0 {
			return
		}
		if a.flipsDirection(tier, directionUp, now) {
			return
		}
		spawned := a.spawn(ctx, tier, want)
		if spawned > 0 {
			a.recordScale(tier, directionUp, now)
			log.Infof("Scaled tier %s up by %d workers (queue depth %d, idle %d)", tier, spawned, depth, stats.Idle)
		}
		return
	}

	if stats.Idle > tc.MinPoolSize && depth < stats.Idle/2 {
		n := min(stats.Idle-tc.MinPoolSize, stats.Idle-depth)
		if n <= 0 {
			return
		}
		if a.flipsDirection(tier, directionDown, now) {
			return
		}
		terminated := a.pool.TerminateOldestIdle(ctx, tier, n)
		if terminated > 0 {
			a.recordScale(tier, directionDown, now)
			log.Infof("Scaled tier %s down by %d workers (queue depth %d, idle %d)", tier, terminated, depth, stats.Idle)
		}
	}
}

// flipsDirection reports whether scaling in the given direction now would
// reverse a scale operation made within the last tick.
func (a *Autoscaler) flipsDirection(tier configuration.Tier, d direction, now time.Time) bool {
	last, ok := a.lastDirection[tier]
	if !ok || last == d {
		return false
	}
	return now.Sub(a.lastScaleAt[tier]) <= a.config.Interval
}

func (a *Autoscaler) recordScale(tier configuration.Tier, d direction, now time.Time) {
	a.lastDirection[tier] = d
	a.lastScaleAt[tier] = now
	a.metrics.AutoscaleEvents.WithLabelValues(string(tier), d.String()).Inc()
}

// spawn starts n shared workers, logging and counting failures.
// A failed spawn is retried on the next tick, not treated as fatal.
func (a *Autoscaler) spawn(ctx context.Context, tier configuration.Tier, n int) int {
	spawned := 0
	for i := 0; i < n; i++ {
		if _, err := a.pool.Spawn(ctx, tier, ""); err != nil {
			a.metrics.SpawnFailures.WithLabelValues(string(tier)).Inc()
			log.WithError(err).Errorf("Failed to spawn %s worker during scale-up", tier)
			break
		}
		spawned++
	}
	return spawned
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
