package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

// WorkerSpec is the contract a worker runtime is started with.
type WorkerSpec struct {
	WorkerID string
	// Tenant the worker is dedicated to. Empty for shared workers.
	TenantID string
	Tier     configuration.Tier
	Limits   configuration.TierConfig
	// Handle to the worker's isolated workspace. Discarded on teardown.
	WorkspaceHandle string
}

// ExecuteRequest carries one job's payload to a worker.
type ExecuteRequest struct {
	JobID    string
	TenantID string
	Payload  []byte
}

// Runtime is the execution backend of a single worker: a process, container or
// other isolated context. Implementations must be safe for concurrent use of
// Ping alongside Execute.
type Runtime interface {
	// Start boots the execution context. Called once, before any Execute.
	Start(ctx context.Context) error
	// Execute runs exactly one job to completion, returning its output blob.
	// Returns when the job finishes, fails, or ctx is cancelled.
	Execute(ctx context.Context, req ExecuteRequest) ([]byte, error)
	// Ping is the liveness probe.
	Ping(ctx context.Context) error
	// Stop shuts the context down gracefully, bounded by ctx.
	Stop(ctx context.Context) error
	// Kill forcibly tears the context down. Used when Stop fails or on
	// watchdog kills of hung workers. Must be idempotent.
	Kill()
}

// RuntimeFactory creates the runtime for a new worker.
type RuntimeFactory func(spec WorkerSpec) Runtime

// ExecutorFunc computes a job payload. What it computes is opaque to the
// scheduler; this is the application's hook.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) ([]byte, error)

// inProcessRuntime runs jobs in-process. It is the default backend for tests
// and single-node deployments; multi-node deployments substitute a factory
// that launches remote execution contexts.
type inProcessRuntime struct {
	spec     WorkerSpec
	execute  ExecutorFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewInProcessRuntimeFactory returns a factory producing in-process runtimes
// backed by the given executor.
func NewInProcessRuntimeFactory(execute ExecutorFunc) RuntimeFactory {
	return func(spec WorkerSpec) Runtime {
		return &inProcessRuntime{
			spec:    spec,
			execute: execute,
			done:    make(chan struct{}),
		}
	}
}

func (r *inProcessRuntime) Start(ctx context.Context) error {
	return nil
}

func (r *inProcessRuntime) Execute(ctx context.Context, req ExecuteRequest) ([]byte, error) {
	select {
	case <-r.done:
		return nil, errors.Errorf("worker %s runtime is stopped", r.spec.WorkerID)
	default:
	}
	return r.execute(ctx, req)
}

func (r *inProcessRuntime) Ping(ctx context.Context) error {
	select {
	case <-r.done:
		return errors.Errorf("worker %s runtime is stopped", r.spec.WorkerID)
	default:
		return nil
	}
}

func (r *inProcessRuntime) Stop(ctx context.Context) error {
	r.Kill()
	return nil
}

func (r *inProcessRuntime) Kill() {
	r.stopOnce.Do(func() { close(r.done) })
}
