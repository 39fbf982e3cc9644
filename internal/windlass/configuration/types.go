package configuration

import (
	"time"
)

// Tier is a service class with distinct priority, concurrency and resource limits.
// All tier-specific behavior is table-driven over the associated TierConfig.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// AllTiers returns the known tiers, highest priority first.
func AllTiers() []Tier {
	return []Tier{TierEnterprise, TierPro, TierFree}
}

func KnownTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// TierConfig holds the static per-tier limits.
// Loaded once at startup and immutable for the process lifetime.
type TierConfig struct {
	// Ordering weight in the priority queue. Higher wins.
	BasePriority int64 `validate:"gt=0"`
	// Maximum number of jobs a single tenant may have running at once.
	MaxConcurrentJobsPerTenant int `validate:"gt=0"`
	// Hard deadline for a running job.
	JobTimeout time.Duration `validate:"gt=0"`
	// How long a warm worker may sit idle before being reaped.
	// 0 means the worker is torn down immediately after its job.
	IdleTimeout time.Duration `validate:"gte=0"`
	// Pool size bounds for this tier.
	MinPoolSize int `validate:"gte=0"`
	MaxPoolSize int `validate:"gt=0"`
	// Rate limiting: at most QuotaLimit submissions per QuotaWindow per tenant.
	QuotaWindow time.Duration `validate:"gt=0"`
	QuotaLimit  int           `validate:"gt=0"`
}

type SchedulerConfig struct {
	// Minimum duration between assignment cycles.
	CyclePeriod time.Duration `validate:"gt=0"`
	// Size of the buffered channel carrying worker completion events.
	CompletionBufferSize int `validate:"gt=0"`
	// How often running jobs are checked against their tier's JobTimeout.
	TimeoutCheckInterval time.Duration `validate:"gt=0"`
	// How often busy workers are pinged for liveness.
	LivenessCheckInterval time.Duration `validate:"gt=0"`
	// Maximum number of failed spawn attempts before a job is failed.
	MaxSpawnAttempts int `validate:"gt=0"`
	// Base delay for exponential backoff between spawn attempts.
	SpawnBackoffBase time.Duration `validate:"gt=0"`
	// Upper bound on the spawn backoff delay.
	SpawnBackoffCap time.Duration `validate:"gt=0"`
	// How long a submitted idempotency key deduplicates resubmissions.
	IdempotencyRetention time.Duration `validate:"gt=0"`
	// Rate limit on job dispatches across all tiers. Zero disables limiting.
	MaximumDispatchRate  float64 `validate:"gte=0"`
	MaximumDispatchBurst int     `validate:"gte=0"`
}

type AutoscalerConfig struct {
	// Tick interval of the reconciliation loop.
	Interval time.Duration `validate:"gt=0"`
	// Scale up when queueDepth > idleCount * GrowthFactor.
	GrowthFactor float64 `validate:"gt=0"`
	// Whether the pro warm pool participates in autoscaling.
	// Defaults to false: pro workers spawn on demand only.
	ScalePro bool
	// How often idle pro workers are checked against their IdleTimeout.
	IdleReapInterval time.Duration `validate:"gt=0"`
}

type WindlassConfig struct {
	HttpPort    uint16 `validate:"required"`
	MetricsPort uint16 `validate:"required"`

	Tiers map[Tier]TierConfig `validate:"required,dive"`
	// Tenants with pre-provisioned always-on dedicated workers.
	EnterpriseTenants []string

	Scheduler  SchedulerConfig
	Autoscaler AutoscalerConfig
}

// TierConfig looks up the limits for the given tier.
func (c *WindlassConfig) TierConfig(t Tier) (TierConfig, bool) {
	tc, ok := c.Tiers[t]
	return tc, ok
}
