// Package pool owns the set of execution workers per tier and drives their
// lifecycle: spawning → idle → busy → idle → terminating → dead, with
// busy → terminating on forced kills.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/schedulererrors"
)

const (
	spawnTimeout    = 30 * time.Second
	spawnRetries    = 3
	stopGracePeriod = 10 * time.Second
)

// TierStats is a point-in-time view of one tier's pool, used by the autoscaler
// and the metrics collector.
type TierStats struct {
	Size int
	Idle int
	Busy int
}

// Crash identifies a busy worker whose liveness probe failed mid-run.
type Crash struct {
	WorkerID string
	JobID    string
}

type WorkerPool struct {
	mu      sync.Mutex
	tiers   map[configuration.Tier]configuration.TierConfig
	factory RuntimeFactory
	clock   clock.PassiveClock

	// Live (non-dead) workers by id, with secondary maps per tier and tenant.
	workers  map[string]*Worker
	byTier   map[configuration.Tier]map[string]*Worker
	byTenant map[string]map[string]*Worker
}

func NewWorkerPool(
	tiers map[configuration.Tier]configuration.TierConfig,
	factory RuntimeFactory,
	clk clock.PassiveClock,
) *WorkerPool {
	byTier := make(map[configuration.Tier]map[string]*Worker, len(tiers))
	for tier := range tiers {
		byTier[tier] = make(map[string]*Worker)
	}
	return &WorkerPool{
		tiers:    tiers,
		factory:  factory,
		clock:    clk,
		workers:  make(map[string]*Worker),
		byTier:   byTier,
		byTenant: make(map[string]map[string]*Worker),
	}
}

// ProvisionEnterprise pre-spawns the always-on dedicated workers for the given
// tenants. Called once at startup.
func (p *WorkerPool) ProvisionEnterprise(ctx context.Context, tenants []string) error {
	tc, ok := p.tiers[configuration.TierEnterprise]
	if !ok {
		return nil
	}
	for _, tenant := range tenants {
		for i := 0; i < tc.MinPoolSize; i++ {
			if _, err := p.Spawn(ctx, configuration.TierEnterprise, tenant); err != nil {
				return err
			}
		}
	}
	return nil
}

// Acquire finds an existing worker able to run a job for the given tenant.
// It never boots a runtime and never blocks beyond the pool lock. ok is false
// if no worker is available right now; spawn is true if the caller should
// start a spawn for this tenant (asynchronously, via Spawn) because the tier
// creates workers on demand and has capacity for one.
//
// Free jobs only ever use idle workers from the shared pool; growing that pool
// is the autoscaler's job. Pro tenants get warm dedicated workers, spawned on
// demand up to the tier and per-tenant caps. Enterprise tenants use their
// pre-provisioned always-on workers and wait for one to become idle.
func (p *WorkerPool) Acquire(tenantID string, tier configuration.Tier) (w *Worker, ok bool, spawn bool, err error) {
	tc, known := p.tiers[tier]
	if !known {
		return nil, false, false, errors.WithStack(&schedulererrors.ErrInvalidTier{Value: string(tier)})
	}

	switch tier {
	case configuration.TierFree:
		if w := p.findIdle(tier, ""); w != nil {
			return w, true, false, nil
		}
		return nil, false, false, nil

	case configuration.TierEnterprise:
		p.mu.Lock()
		owned := 0
		for _, w := range p.byTenant[tenantID] {
			if w.Tier == configuration.TierEnterprise {
				owned++
			}
		}
		p.mu.Unlock()
		if owned == 0 {
			// Tenant missing from the startup provisioning list: the dedicated
			// worker gets provisioned on first use.
			return nil, false, true, nil
		}
		if w := p.findIdle(tier, tenantID); w != nil {
			return w, true, false, nil
		}
		return nil, false, false, nil

	default: // pro
		if w := p.findIdle(tier, tenantID); w != nil {
			return w, true, false, nil
		}
		// Unowned warm workers pre-spawned by the autoscaler can be adopted.
		if w := p.adoptIdle(tier, tenantID); w != nil {
			return w, true, false, nil
		}
		p.mu.Lock()
		owned := 0
		for _, w := range p.byTenant[tenantID] {
			if w.Tier == tier {
				owned++
			}
		}
		size := len(p.byTier[tier])
		p.mu.Unlock()
		if owned >= tc.MaxConcurrentJobsPerTenant {
			return nil, false, false, nil
		}
		if size >= tc.MaxPoolSize {
			return nil, false, false, nil
		}
		return nil, false, true, nil
	}
}

// Spawn creates a new worker and boots its runtime. Transient boot failures
// are retried with backoff before surfacing as ErrWorkerSpawn.
func (p *WorkerPool) Spawn(ctx context.Context, tier configuration.Tier, ownerTenantID string) (*Worker, error) {
	tc, ok := p.tiers[tier]
	if !ok {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidTier{Value: string(tier)})
	}

	now := p.clock.Now()
	w := &Worker{
		ID:             uuid.NewString(),
		Tier:           tier,
		OwnerTenantID:  ownerTenantID,
		Status:         WorkerSpawning,
		Limits:         tc,
		SpawnedAt:      now,
		LastActivityAt: now,
	}
	w.runtime = p.factory(WorkerSpec{
		WorkerID:        w.ID,
		TenantID:        ownerTenantID,
		Tier:            tier,
		Limits:          tc,
		WorkspaceHandle: "workspace/" + w.ID,
	})

	p.mu.Lock()
	if len(p.byTier[tier]) >= tc.MaxPoolSize {
		p.mu.Unlock()
		return nil, errors.WithStack(&schedulererrors.ErrWorkerSpawn{
			Tier:   tier,
			Reason: errors.Errorf("pool is at maxPoolSize %d", tc.MaxPoolSize),
		})
	}
	p.insertLocked(w)
	p.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()
	err := retry.Do(
		func() error { return w.runtime.Start(startCtx) },
		retry.Context(startCtx),
		retry.Attempts(spawnRetries),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		p.mu.Lock()
		p.removeLocked(w)
		p.mu.Unlock()
		return nil, errors.WithStack(&schedulererrors.ErrWorkerSpawn{Tier: tier, Reason: err})
	}

	p.mu.Lock()
	w.Status = WorkerIdle
	w.LastActivityAt = p.clock.Now()
	p.mu.Unlock()
	log.WithField("workerId", w.ID).WithField("tier", tier).Debug("Worker spawned")
	return w, nil
}

// Claim atomically transitions a worker from idle to busy, binding it to the
// given job. Returns false if the worker was not idle; the caller then leaves
// the job queued rather than erroring (assignment race lost).
func (p *WorkerPool) Claim(workerID string, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok || w.Status != WorkerIdle {
		return false
	}
	w.Status = WorkerBusy
	w.CurrentJobID = jobID
	w.LastActivityAt = p.clock.Now()
	return true
}

// Execute dispatches a job to a claimed worker's runtime and blocks until it
// reports its terminal result or ctx expires.
func (p *WorkerPool) Execute(ctx context.Context, workerID string, req ExecuteRequest) ([]byte, error) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	var rt Runtime
	if ok {
		rt = w.runtime
	}
	p.mu.Unlock()
	if rt == nil {
		return nil, errors.Errorf("worker %s is not in the pool", workerID)
	}
	return rt.Execute(ctx, req)
}

// Release returns a busy worker to the idle set. One-shot workers (free tier)
// are torn down instead, discarding their workspace.
func (p *WorkerPool) Release(workerID string) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok || w.Status != WorkerBusy {
		p.mu.Unlock()
		return
	}
	w.Status = WorkerIdle
	w.CurrentJobID = ""
	w.LastActivityAt = p.clock.Now()
	oneShot := w.oneShot()
	p.mu.Unlock()

	if oneShot {
		// Teardown can block for the stop grace period, so it runs off the
		// caller's goroutine.
		go func() {
			if err := p.Terminate(context.Background(), workerID); err != nil {
				log.WithError(err).Errorf("Failed to tear down one-shot worker %s", workerID)
			}
		}()
	}
}

// ReapIdle terminates warm workers whose idle time exceeds their tier's
// IdleTimeout. Enterprise workers are always-on and exempt; one-shot workers
// never idle. Returns the ids of reaped workers.
func (p *WorkerPool) ReapIdle(ctx context.Context, now time.Time) []string {
	p.mu.Lock()
	var expired []string
	for _, w := range p.workers {
		if w.Tier == configuration.TierEnterprise || w.Limits.IdleTimeout == 0 {
			continue
		}
		if w.Status == WorkerIdle && now.Sub(w.LastActivityAt) > w.Limits.IdleTimeout {
			expired = append(expired, w.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		if err := p.Terminate(ctx, id); err != nil {
			log.WithError(err).Errorf("Failed to reap idle worker %s", id)
		}
	}
	return expired
}

// Terminate gracefully stops a worker, falling back to a forced teardown if
// the runtime does not stop within the grace period. Idempotent.
func (p *WorkerPool) Terminate(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok || w.Status == WorkerTerminating || w.Status == WorkerDead {
		p.mu.Unlock()
		return nil
	}
	w.Status = WorkerTerminating
	w.CurrentJobID = ""
	rt := w.runtime
	p.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		log.WithError(err).Warnf("Graceful stop of worker %s failed, killing", workerID)
		rt.Kill()
	}

	p.mu.Lock()
	w.Status = WorkerDead
	p.removeLocked(w)
	p.mu.Unlock()
	log.WithField("workerId", workerID).Debug("Worker terminated")
	return nil
}

// TerminateOldestIdle terminates up to n idle workers of the given tier,
// oldest idle first. Returns the number terminated. Used for scale-down.
func (p *WorkerPool) TerminateOldestIdle(ctx context.Context, tier configuration.Tier, n int) int {
	p.mu.Lock()
	idle := make([]*Worker, 0)
	for _, w := range p.byTier[tier] {
		if w.Status == WorkerIdle {
			idle = append(idle, w)
		}
	}
	slices.SortFunc(idle, func(a, b *Worker) bool {
		return a.LastActivityAt.Before(b.LastActivityAt)
	})
	if n > len(idle) {
		n = len(idle)
	}
	victims := make([]string, 0, n)
	for _, w := range idle[:n] {
		victims = append(victims, w.ID)
	}
	p.mu.Unlock()

	terminated := 0
	for _, id := range victims {
		if err := p.Terminate(ctx, id); err != nil {
			log.WithError(err).Errorf("Failed to terminate idle worker %s", id)
			continue
		}
		terminated++
	}
	return terminated
}

// CheckLiveness pings every busy worker and tears down the ones that fail
// their probe. Returns the crashed workers with the jobs they were bound to,
// so the scheduler can fail or retry those jobs.
func (p *WorkerPool) CheckLiveness(ctx context.Context) []Crash {
	p.mu.Lock()
	type probe struct {
		workerID string
		jobID    string
		rt       Runtime
	}
	probes := make([]probe, 0)
	for _, w := range p.workers {
		if w.Status == WorkerBusy {
			probes = append(probes, probe{workerID: w.ID, jobID: w.CurrentJobID, rt: w.runtime})
		}
	}
	p.mu.Unlock()

	var crashes []Crash
	for _, pr := range probes {
		if err := pr.rt.Ping(ctx); err != nil {
			log.WithError(err).Warnf("Worker %s failed liveness probe", pr.workerID)
			// Stopping a wedged runtime can take the full grace period, so it
			// happens off the probing goroutine.
			go func(workerID string) {
				if terr := p.Terminate(ctx, workerID); terr != nil {
					log.WithError(terr).Errorf("Failed to tear down crashed worker %s", workerID)
				}
			}(pr.workerID)
			crashes = append(crashes, Crash{WorkerID: pr.workerID, JobID: pr.jobID})
		}
	}
	return crashes
}

// Stats returns per-tier pool statistics.
func (p *WorkerPool) Stats() map[configuration.Tier]TierStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[configuration.Tier]TierStats, len(p.byTier))
	for tier, workers := range p.byTier {
		s := TierStats{}
		for _, w := range workers {
			s.Size++
			switch w.Status {
			case WorkerIdle:
				s.Idle++
			case WorkerBusy:
				s.Busy++
			}
		}
		stats[tier] = s
	}
	return stats
}

// Size returns the number of live workers in the given tier's pool.
func (p *WorkerPool) Size(tier configuration.Tier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTier[tier])
}

// IdleCount returns the number of idle workers in the given tier's pool.
func (p *WorkerPool) IdleCount(tier configuration.Tier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, w := range p.byTier[tier] {
		if w.Status == WorkerIdle {
			count++
		}
	}
	return count
}

// GetWorker returns a snapshot of the worker with the given id.
func (p *WorkerPool) GetWorker(workerID string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return w.snapshot(), true
}

func (p *WorkerPool) findIdle(tier configuration.Tier, tenantID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.byTier[tier] {
		if w.Status == WorkerIdle && w.OwnerTenantID == tenantID {
			return w
		}
	}
	return nil
}

// adoptIdle binds an idle unowned worker of the given tier to a tenant.
func (p *WorkerPool) adoptIdle(tier configuration.Tier, tenantID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.byTier[tier] {
		if w.Status == WorkerIdle && w.OwnerTenantID == "" {
			w.OwnerTenantID = tenantID
			if p.byTenant[tenantID] == nil {
				p.byTenant[tenantID] = make(map[string]*Worker)
			}
			p.byTenant[tenantID][w.ID] = w
			return w
		}
	}
	return nil
}

func (p *WorkerPool) insertLocked(w *Worker) {
	p.workers[w.ID] = w
	if p.byTier[w.Tier] == nil {
		p.byTier[w.Tier] = make(map[string]*Worker)
	}
	p.byTier[w.Tier][w.ID] = w
	if w.OwnerTenantID != "" {
		if p.byTenant[w.OwnerTenantID] == nil {
			p.byTenant[w.OwnerTenantID] = make(map[string]*Worker)
		}
		p.byTenant[w.OwnerTenantID][w.ID] = w
	}
}

func (p *WorkerPool) removeLocked(w *Worker) {
	delete(p.workers, w.ID)
	delete(p.byTier[w.Tier], w.ID)
	if w.OwnerTenantID != "" {
		delete(p.byTenant[w.OwnerTenantID], w.ID)
		if len(p.byTenant[w.OwnerTenantID]) == 0 {
			delete(p.byTenant, w.OwnerTenantID)
		}
	}
}
