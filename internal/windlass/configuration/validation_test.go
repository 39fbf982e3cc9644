package configuration

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *WindlassConfig {
	tc := TierConfig{
		BasePriority:               1,
		MaxConcurrentJobsPerTenant: 1,
		JobTimeout:                 5 * time.Minute,
		IdleTimeout:                0,
		MinPoolSize:                2,
		MaxPoolSize:                20,
		QuotaWindow:                time.Hour,
		QuotaLimit:                 10,
	}
	enterprise := tc
	enterprise.BasePriority = 100
	enterprise.MinPoolSize = 1
	enterprise.MaxPoolSize = 100
	pro := tc
	pro.BasePriority = 10
	pro.IdleTimeout = 15 * time.Minute
	pro.MinPoolSize = 0

	return &WindlassConfig{
		HttpPort:    8080,
		MetricsPort: 9000,
		Tiers: map[Tier]TierConfig{
			TierFree:       tc,
			TierPro:        pro,
			TierEnterprise: enterprise,
		},
		Scheduler: SchedulerConfig{
			CyclePeriod:           250 * time.Millisecond,
			CompletionBufferSize:  1024,
			TimeoutCheckInterval:  time.Second,
			LivenessCheckInterval: 10 * time.Second,
			MaxSpawnAttempts:      5,
			SpawnBackoffBase:      500 * time.Millisecond,
			SpawnBackoffCap:       30 * time.Second,
			IdempotencyRetention:  24 * time.Hour,
		},
		Autoscaler: AutoscalerConfig{
			Interval:         5 * time.Second,
			GrowthFactor:     2,
			IdleReapInterval: 30 * time.Second,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_MissingTier(t *testing.T) {
	c := validConfig()
	delete(c.Tiers, TierPro)

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing config for tier pro")
}

func TestValidate_UnknownTier(t *testing.T) {
	c := validConfig()
	c.Tiers[Tier("platinum")] = c.Tiers[TierFree]

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tier "platinum"`)
}

func TestValidate_MinPoolSizeExceedsMax(t *testing.T) {
	c := validConfig()
	tc := c.Tiers[TierFree]
	tc.MinPoolSize = 50
	c.Tiers[TierFree] = tc

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minPoolSize 50 exceeds maxPoolSize 20")
}

func TestValidate_EnterpriseCapacity(t *testing.T) {
	c := validConfig()
	tc := c.Tiers[TierEnterprise]
	tc.MinPoolSize = 10
	tc.MaxPoolSize = 15
	c.Tiers[TierEnterprise] = tc
	c.EnterpriseTenants = []string{"acme", "globex"}

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enterprise tenants require 20 pre-provisioned workers")
}

func TestValidate_FieldConstraints(t *testing.T) {
	c := validConfig()
	tc := c.Tiers[TierFree]
	tc.QuotaLimit = 0
	c.Tiers[TierFree] = tc

	assert.Error(t, c.Validate())
}

func TestTierDecodeHook(t *testing.T) {
	hook := TierDecodeHook()
	tierType := reflect.TypeOf(Tier(""))
	stringType := reflect.TypeOf("")

	decoded, err := hook(stringType, tierType, "Enterprise")
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, decoded)

	_, err = hook(stringType, tierType, "platinum")
	assert.Error(t, err)

	// Non-tier targets pass through untouched.
	decoded, err = hook(stringType, stringType, "platinum")
	require.NoError(t, err)
	assert.Equal(t, "platinum", decoded)
}

func TestKnownTierAndAllTiers(t *testing.T) {
	for _, tier := range AllTiers() {
		assert.True(t, KnownTier(tier))
	}
	assert.False(t, KnownTier(Tier("platinum")))
	assert.Equal(t, []Tier{TierEnterprise, TierPro, TierFree}, AllTiers())
}
