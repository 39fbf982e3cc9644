package pool

import (
	"time"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "spawning"
	WorkerIdle        WorkerStatus = "idle"
	WorkerBusy        WorkerStatus = "busy"
	WorkerTerminating WorkerStatus = "terminating"
	WorkerDead        WorkerStatus = "dead"
)

// Worker is an isolated execution context managed by the pool.
// The struct is guarded by the pool mutex; callers outside the pool must treat
// workers handed to them as read-only snapshots.
//
// Invariant: Status == WorkerBusy iff CurrentJobID is set.
type Worker struct {
	// UUID assigned at spawn time.
	ID   string
	Tier configuration.Tier
	// Tenant this worker is dedicated to. Empty for shared free workers.
	OwnerTenantID string
	Status        WorkerStatus
	// Resource limits inherited from the tier config.
	Limits configuration.TierConfig

	SpawnedAt      time.Time
	LastActivityAt time.Time
	// Id of the job this worker is currently executing. Empty unless busy.
	CurrentJobID string

	runtime Runtime
}

// oneShot reports whether the worker is torn down immediately after its job.
func (w *Worker) oneShot() bool {
	return w.Limits.IdleTimeout == 0 && w.Tier != configuration.TierEnterprise
}

func (w *Worker) snapshot() Worker {
	c := *w
	c.runtime = nil
	return c
}
