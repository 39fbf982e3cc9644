package pool

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/schedulererrors"
)

var baseTime = time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

func poolTiers() map[configuration.Tier]configuration.TierConfig {
	return map[configuration.Tier]configuration.TierConfig{
		configuration.TierFree: {
			BasePriority:               1,
			MaxConcurrentJobsPerTenant: 1,
			JobTimeout:                 5 * time.Minute,
			IdleTimeout:                0,
			MinPoolSize:                2,
			MaxPoolSize:                5,
			QuotaWindow:                time.Hour,
			QuotaLimit:                 10,
		},
		configuration.TierPro: {
			BasePriority:               10,
			MaxConcurrentJobsPerTenant: 2,
			JobTimeout:                 30 * time.Minute,
			IdleTimeout:                15 * time.Minute,
			MinPoolSize:                0,
			MaxPoolSize:                3,
			QuotaWindow:                time.Hour,
			QuotaLimit:                 100,
		},
		configuration.TierEnterprise: {
			BasePriority:               100,
			MaxConcurrentJobsPerTenant: 10,
			JobTimeout:                 2 * time.Hour,
			IdleTimeout:                24 * time.Hour,
			MinPoolSize:                2,
			MaxPoolSize:                10,
			QuotaWindow:                time.Hour,
			QuotaLimit:                 1000,
		},
	}
}

func echoFactory() RuntimeFactory {
	return NewInProcessRuntimeFactory(func(ctx context.Context, req ExecuteRequest) ([]byte, error) {
		return req.Payload, nil
	})
}

func newTestPool(t *testing.T) (*WorkerPool, *clocktesting.FakePassiveClock) {
	clk := clocktesting.NewFakePassiveClock(baseTime)
	return NewWorkerPool(poolTiers(), echoFactory(), clk), clk
}

func TestSpawn(t *testing.T) {
	p, _ := newTestPool(t)

	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Equal(t, "tenant-1", w.OwnerTenantID)
	assert.Equal(t, 1, p.Size(configuration.TierPro))
	assert.Equal(t, 1, p.IdleCount(configuration.TierPro))
}

func TestSpawn_MaxPoolSize(t *testing.T) {
	p, _ := newTestPool(t)

	for i := 0; i < 3; i++ {
		_, err := p.Spawn(context.Background(), configuration.TierPro, "")
		require.NoError(t, err)
	}

	_, err := p.Spawn(context.Background(), configuration.TierPro, "")
	var spawnErr *schedulererrors.ErrWorkerSpawn
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, configuration.TierPro, spawnErr.Tier)
	assert.Equal(t, 3, p.Size(configuration.TierPro))
}

func TestSpawn_StartFailure(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(baseTime)
	factory := func(spec WorkerSpec) Runtime {
		return &stubRuntime{startErr: errors.New("no capacity on host")}
	}
	p := NewWorkerPool(poolTiers(), factory, clk)

	_, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	var spawnErr *schedulererrors.ErrWorkerSpawn
	require.True(t, errors.As(err, &spawnErr))

	// Failed spawns must not leak pool slots.
	assert.Equal(t, 0, p.Size(configuration.TierPro))
}

func TestProvisionEnterprise(t *testing.T) {
	p, _ := newTestPool(t)

	err := p.ProvisionEnterprise(context.Background(), []string{"acme", "globex"})
	require.NoError(t, err)

	assert.Equal(t, 4, p.Size(configuration.TierEnterprise))
	assert.Equal(t, 4, p.IdleCount(configuration.TierEnterprise))
}

func TestAcquire_FreeUsesIdleOnly(t *testing.T) {
	p, _ := newTestPool(t)

	// Empty shared pool: the job stays queued with no spawn requested,
	// growing the pool is the autoscaler's job.
	w, ok, spawn, err := p.Acquire("tenant-1", configuration.TierFree)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, spawn)
	assert.Nil(t, w)

	_, err = p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)

	w, ok, spawn, err = p.Acquire("tenant-1", configuration.TierFree)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, spawn)
	require.NotNil(t, w)
	assert.Equal(t, 1, p.Size(configuration.TierFree))
}

func TestAcquire_ProSpawnsOnDemand(t *testing.T) {
	p, _ := newTestPool(t)

	// No worker yet: the caller is told to spawn one.
	w, ok, spawn, err := p.Acquire("tenant-1", configuration.TierPro)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, spawn)
	assert.Nil(t, w)

	_, err = p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)

	// The idle owned worker is reused rather than spawning another.
	w, ok, spawn, err = p.Acquire("tenant-1", configuration.TierPro)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, spawn)
	assert.Equal(t, "tenant-1", w.OwnerTenantID)
	assert.Equal(t, 1, p.Size(configuration.TierPro))
}

func TestAcquire_ProCountsBootingWorkers(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(baseTime)
	release := make(chan struct{})
	factory := func(spec WorkerSpec) Runtime {
		return &stubRuntime{startGate: release}
	}
	p := NewWorkerPool(poolTiers(), factory, clk)

	booting := make(chan error, 1)
	go func() {
		_, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
		booting <- err
	}()
	require.Eventually(t, func() bool {
		return p.Size(configuration.TierPro) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The booting worker already occupies a slot: the tenant is told to spawn
	// a second one (cap 2), but it is not claimable yet.
	w, ok, spawn, err := p.Acquire("tenant-1", configuration.TierPro)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, spawn)
	assert.Nil(t, w)

	close(release)
	require.NoError(t, <-booting)
}

func TestAcquire_ProPerTenantCap(t *testing.T) {
	p, _ := newTestPool(t)

	// Tie up MaxConcurrentJobsPerTenant workers for tenant-1.
	for i := 0; i < 2; i++ {
		w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
		require.NoError(t, err)
		require.True(t, p.Claim(w.ID, "job"), "worker %d", i)
	}

	_, ok, spawn, err := p.Acquire("tenant-1", configuration.TierPro)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, spawn)

	// Other tenants are not affected by tenant-1's cap.
	_, ok, spawn, err = p.Acquire("tenant-2", configuration.TierPro)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, spawn)
}

func TestAcquire_ProPoolCap(t *testing.T) {
	p, _ := newTestPool(t)

	// Fill the pro pool (MaxPoolSize 3) with busy workers of other tenants.
	for i, tenant := range []string{"t1", "t2", "t3"} {
		w, err := p.Spawn(context.Background(), configuration.TierPro, tenant)
		require.NoError(t, err)
		require.True(t, p.Claim(w.ID, "job"), "worker %d", i)
	}

	_, ok, spawn, err := p.Acquire("t4", configuration.TierPro)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, spawn)
}

func TestAcquire_ProAdoptsWarmWorker(t *testing.T) {
	p, _ := newTestPool(t)

	// Warm unowned worker, as the autoscaler would pre-spawn it.
	warm, err := p.Spawn(context.Background(), configuration.TierPro, "")
	require.NoError(t, err)

	w, ok, spawn, err := p.Acquire("tenant-1", configuration.TierPro)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, spawn)
	assert.Equal(t, warm.ID, w.ID)
	assert.Equal(t, "tenant-1", w.OwnerTenantID)
	assert.Equal(t, 1, p.Size(configuration.TierPro))
}

func TestAcquire_EnterpriseWaitsForOwnedWorker(t *testing.T) {
	p, _ := newTestPool(t)
	require.NoError(t, p.ProvisionEnterprise(context.Background(), []string{"acme"}))

	w1, ok, spawn, err := p.Acquire("acme", configuration.TierEnterprise)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, spawn)
	require.True(t, p.Claim(w1.ID, "job-1"))

	w2, ok, spawn, err := p.Acquire("acme", configuration.TierEnterprise)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, spawn)
	require.True(t, p.Claim(w2.ID, "job-2"))

	// Both dedicated workers busy: the next job waits, no extra spawn.
	_, ok, spawn, err = p.Acquire("acme", configuration.TierEnterprise)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, spawn)
	assert.Equal(t, 2, p.Size(configuration.TierEnterprise))
}

func TestAcquire_EnterpriseLazyProvisioning(t *testing.T) {
	p, _ := newTestPool(t)

	// Tenant missing from the startup list gets a dedicated worker spawned on
	// first use.
	w, ok, spawn, err := p.Acquire("newcorp", configuration.TierEnterprise)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, spawn)
	assert.Nil(t, w)

	_, err = p.Spawn(context.Background(), configuration.TierEnterprise, "newcorp")
	require.NoError(t, err)

	w, ok, spawn, err = p.Acquire("newcorp", configuration.TierEnterprise)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, spawn)
	assert.Equal(t, "newcorp", w.OwnerTenantID)
	assert.Equal(t, configuration.TierEnterprise, w.Tier)
}

func TestAcquire_UnknownTier(t *testing.T) {
	p, _ := newTestPool(t)

	_, _, _, err := p.Acquire("tenant-1", configuration.Tier("platinum"))
	var invalidTier *schedulererrors.ErrInvalidTier
	assert.True(t, errors.As(err, &invalidTier))
}

func TestClaim(t *testing.T) {
	p, _ := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)

	assert.True(t, p.Claim(w.ID, "job-1"))

	// A second claim on the same worker loses the race.
	assert.False(t, p.Claim(w.ID, "job-2"))
	assert.False(t, p.Claim("unknown", "job-3"))

	snapshot, ok := p.GetWorker(w.ID)
	require.True(t, ok)
	assert.Equal(t, WorkerBusy, snapshot.Status)
	assert.Equal(t, "job-1", snapshot.CurrentJobID)
}

func TestExecute(t *testing.T) {
	p, _ := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	require.True(t, p.Claim(w.ID, "job-1"))

	result, err := p.Execute(context.Background(), w.ID, ExecuteRequest{
		JobID:    "job-1",
		TenantID: "tenant-1",
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result)

	_, err = p.Execute(context.Background(), "unknown", ExecuteRequest{})
	assert.Error(t, err)
}

func TestRelease_WarmWorkerReturnsToIdle(t *testing.T) {
	p, _ := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	require.True(t, p.Claim(w.ID, "job-1"))

	p.Release(w.ID)

	snapshot, ok := p.GetWorker(w.ID)
	require.True(t, ok)
	assert.Equal(t, WorkerIdle, snapshot.Status)
	assert.Empty(t, snapshot.CurrentJobID)
}

func TestRelease_OneShotWorkerTornDown(t *testing.T) {
	p, _ := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)
	require.True(t, p.Claim(w.ID, "job-1"))

	p.Release(w.ID)

	// Teardown runs off the releasing goroutine.
	require.Eventually(t, func() bool {
		_, ok := p.GetWorker(w.ID)
		return !ok && p.Size(configuration.TierFree) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReapIdle(t *testing.T) {
	p, clk := newTestPool(t)

	proWorker, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	require.NoError(t, p.ProvisionEnterprise(context.Background(), []string{"acme"}))

	// Within the idle timeout nothing is reaped.
	clk.SetTime(baseTime.Add(10 * time.Minute))
	assert.Empty(t, p.ReapIdle(context.Background(), clk.Now()))

	// Past the pro IdleTimeout the pro worker goes; enterprise workers are
	// always-on and stay.
	clk.SetTime(baseTime.Add(16 * time.Minute))
	reaped := p.ReapIdle(context.Background(), clk.Now())
	assert.Equal(t, []string{proWorker.ID}, reaped)
	assert.Equal(t, 0, p.Size(configuration.TierPro))
	assert.Equal(t, 2, p.Size(configuration.TierEnterprise))
}

func TestReapIdle_SkipsBusyWorkers(t *testing.T) {
	p, clk := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	require.True(t, p.Claim(w.ID, "job-1"))

	clk.SetTime(baseTime.Add(time.Hour))
	assert.Empty(t, p.ReapIdle(context.Background(), clk.Now()))
	assert.Equal(t, 1, p.Size(configuration.TierPro))
}

func TestTerminate_Idempotent(t *testing.T) {
	p, _ := newTestPool(t)
	w, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)

	require.NoError(t, p.Terminate(context.Background(), w.ID))
	require.NoError(t, p.Terminate(context.Background(), w.ID))
	require.NoError(t, p.Terminate(context.Background(), "unknown"))
	assert.Equal(t, 0, p.Size(configuration.TierPro))
}

func TestTerminateOldestIdle(t *testing.T) {
	p, clk := newTestPool(t)

	oldest, err := p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)
	clk.SetTime(baseTime.Add(time.Minute))
	middle, err := p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)
	clk.SetTime(baseTime.Add(2 * time.Minute))
	newest, err := p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)

	terminated := p.TerminateOldestIdle(context.Background(), configuration.TierFree, 2)
	assert.Equal(t, 2, terminated)

	_, ok := p.GetWorker(oldest.ID)
	assert.False(t, ok)
	_, ok = p.GetWorker(middle.ID)
	assert.False(t, ok)
	_, ok = p.GetWorker(newest.ID)
	assert.True(t, ok)

	// Asking for more than there are idle workers terminates what is there.
	assert.Equal(t, 1, p.TerminateOldestIdle(context.Background(), configuration.TierFree, 10))
}

func TestCheckLiveness(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(baseTime)
	runtimes := make(map[string]*stubRuntime)
	factory := func(spec WorkerSpec) Runtime {
		rt := &stubRuntime{}
		runtimes[spec.WorkerID] = rt
		return rt
	}
	p := NewWorkerPool(poolTiers(), factory, clk)

	healthy, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-1")
	require.NoError(t, err)
	require.True(t, p.Claim(healthy.ID, "job-1"))

	crashed, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-2")
	require.NoError(t, err)
	require.True(t, p.Claim(crashed.ID, "job-2"))
	runtimes[crashed.ID].pingErr = errors.New("process exited")

	// Idle workers are not probed even when their runtime is unhealthy.
	idle, err := p.Spawn(context.Background(), configuration.TierPro, "tenant-3")
	require.NoError(t, err)
	runtimes[idle.ID].pingErr = errors.New("process exited")

	crashes := p.CheckLiveness(context.Background())
	require.Len(t, crashes, 1)
	assert.Equal(t, crashed.ID, crashes[0].WorkerID)
	assert.Equal(t, "job-2", crashes[0].JobID)

	// The crashed worker's teardown runs off the probing goroutine.
	require.Eventually(t, func() bool {
		_, ok := p.GetWorker(crashed.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := p.GetWorker(healthy.ID)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	p, _ := newTestPool(t)

	for i := 0; i < 3; i++ {
		_, err := p.Spawn(context.Background(), configuration.TierFree, "")
		require.NoError(t, err)
	}
	w, err := p.Spawn(context.Background(), configuration.TierFree, "")
	require.NoError(t, err)
	require.True(t, p.Claim(w.ID, "job-1"))

	stats := p.Stats()
	assert.Equal(t, TierStats{Size: 4, Idle: 3, Busy: 1}, stats[configuration.TierFree])
	assert.Equal(t, TierStats{}, stats[configuration.TierPro])
}

// stubRuntime is a Runtime with scriptable failures and an optional gate
// holding Start until the test releases it.
type stubRuntime struct {
	startErr  error
	pingErr   error
	startGate chan struct{}
}

func (r *stubRuntime) Start(ctx context.Context) error {
	if r.startGate != nil {
		select {
		case <-r.startGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.startErr
}

func (r *stubRuntime) Execute(ctx context.Context, req ExecuteRequest) ([]byte, error) {
	return req.Payload, nil
}

func (r *stubRuntime) Ping(ctx context.Context) error { return r.pingErr }

func (r *stubRuntime) Stop(ctx context.Context) error { return nil }

func (r *stubRuntime) Kill() {}
