// Package scheduler composes the queue, quota tracker, job store and worker
// pool into the orchestrator that accepts submissions and drives jobs to a
// terminal state.
//
// All job status transitions after submission happen on the single Run
// goroutine: worker completions, crashes, timeouts and cancellations arrive as
// events consumed there, which serializes transitions without per-job locks.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/windlassproject/windlass/internal/common/util"
	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/jobdb"
	"github.com/windlassproject/windlass/internal/windlass/metrics"
	"github.com/windlassproject/windlass/internal/windlass/pool"
	"github.com/windlassproject/windlass/internal/windlass/queue"
	"github.com/windlassproject/windlass/internal/windlass/quota"
	"github.com/windlassproject/windlass/internal/windlass/schedulererrors"
)

type SubmitRequest struct {
	TenantID string
	Tier     configuration.Tier
	Payload  []byte
	// Caller's declaration that the payload is safe to re-run after a timeout
	// or crash. Not verified by the scheduler.
	Idempotent bool
	// Optional deduplication token.
	IdempotencyKey string
}

type SubmitResult struct {
	JobID  string
	Status jobdb.JobStatus
	// Position in the queue, 0 being the head. -1 if not queued.
	QueuePosition int
	// False if the idempotency key matched an earlier submission and no new
	// job was created.
	Created bool
}

type completionEvent struct {
	jobID    string
	workerID string
	output   []byte
	err      error
}

// spawnEvent reports the outcome of an asynchronous worker spawn back to the
// event loop. The queue entry travels with the spawn so the job keeps its
// position when it is requeued.
type spawnEvent struct {
	entry *queue.Entry
	err   error
}

type cancelRequest struct {
	jobID string
	resp  chan cancelResponse
}

type cancelResponse struct {
	status jobdb.JobStatus
	err    error
}

type Scheduler struct {
	jobDb   *jobdb.JobDb
	queue   *queue.PriorityQueue
	quota   *quota.Tracker
	pool    *pool.WorkerPool
	tiers   map[configuration.Tier]configuration.TierConfig
	config  configuration.SchedulerConfig
	metrics *metrics.Metrics

	// Used for all timing decisions so tests can substitute a fake clock.
	clock clock.WithTicker

	completions chan completionEvent
	cancels     chan cancelRequest
	spawns      chan spawnEvent
	// Buffered size-1 kick making the assign loop run immediately after a
	// submission or release instead of waiting for the next tick.
	wakeup chan struct{}

	// Tenant/tier pairs with a spawn in flight, so one backlog burst does not
	// boot more workers than the caps allow. Touched only on the Run goroutine.
	pendingSpawns map[string]struct{}

	// Optional global cap on dispatch rate.
	dispatchLimiter *rate.Limiter
}

func New(
	jobDb *jobdb.JobDb,
	q *queue.PriorityQueue,
	quotaTracker *quota.Tracker,
	workerPool *pool.WorkerPool,
	tiers map[configuration.Tier]configuration.TierConfig,
	config configuration.SchedulerConfig,
	m *metrics.Metrics,
	clk clock.WithTicker,
) *Scheduler {
	var limiter *rate.Limiter
	if config.MaximumDispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaximumDispatchRate), config.MaximumDispatchBurst)
	}
	return &Scheduler{
		jobDb:           jobDb,
		queue:           q,
		quota:           quotaTracker,
		pool:            workerPool,
		tiers:           tiers,
		config:          config,
		metrics:         m,
		clock:           clk,
		completions:     make(chan completionEvent, config.CompletionBufferSize),
		cancels:         make(chan cancelRequest),
		spawns:          make(chan spawnEvent, config.CompletionBufferSize),
		wakeup:          make(chan struct{}, 1),
		pendingSpawns:   make(map[string]struct{}),
		dispatchLimiter: limiter,
	}
}

// Submit validates and enqueues a job, then kicks the assign loop.
// It never blocks waiting for a worker.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	tc, ok := s.tiers[req.Tier]
	if !ok {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidTier{Value: string(req.Tier)})
	}

	now := s.clock.Now()

	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	// Resubmission with a known idempotency key returns the existing job
	// instead of creating a duplicate, for as long as the retention window.
	if req.IdempotencyKey != "" {
		existing, err := s.jobDb.GetByIdempotencyKey(txn, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil && now.Sub(existing.SubmittedAt) < s.config.IdempotencyRetention {
			return &SubmitResult{
				JobID:         existing.ID,
				Status:        existing.Status,
				QueuePosition: s.queue.Position(existing.ID),
				Created:       false,
			}, nil
		}
	}

	// The concurrency cap is checked before the quota so a capped-out tenant
	// does not burn quota on submissions that get rejected anyway.
	active, err := s.jobDb.ActiveCount(txn, req.TenantID)
	if err != nil {
		return nil, err
	}
	if active >= tc.MaxConcurrentJobsPerTenant {
		return nil, errors.WithStack(&schedulererrors.ErrTooManyRunningJobs{
			TenantID: req.TenantID,
			Tier:     req.Tier,
			Limit:    tc.MaxConcurrentJobsPerTenant,
		})
	}

	allowed, _, retryAfter := s.quota.CheckAndConsume(req.TenantID, req.Tier)
	if !allowed {
		s.metrics.QuotaRejections.Inc()
		return nil, errors.WithStack(&schedulererrors.ErrQuotaExceeded{
			TenantID:   req.TenantID,
			Tier:       req.Tier,
			Limit:      tc.QuotaLimit,
			RetryAfter: retryAfter,
		})
	}

	job := &jobdb.Job{
		ID:                util.NewULID(),
		TenantID:          req.TenantID,
		Tier:              req.Tier,
		Payload:           req.Payload,
		PayloadIdempotent: req.Idempotent,
		IdempotencyKey:    req.IdempotencyKey,
		Status:            jobdb.JobQueued,
		SubmittedAt:       now,
		EnqueuedAt:        now,
	}

	position, score, err := s.queue.Enqueue(job.ID, job.TenantID, job.Tier)
	if err != nil {
		return nil, err
	}
	job.PriorityScore = score

	if err := s.jobDb.Upsert(txn, job); err != nil {
		s.queue.Remove(job.ID)
		return nil, err
	}
	txn.Commit()

	s.metrics.JobsSubmitted.Inc()
	s.kick()

	return &SubmitResult{
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: position,
		Created:       true,
	}, nil
}

// GetJob returns a snapshot of the job with the given id and, if it is still
// queued, its current queue position (-1 otherwise).
func (s *Scheduler) GetJob(jobID string) (*jobdb.Job, int, error) {
	txn := s.jobDb.ReadTxn()
	job, err := s.jobDb.GetById(txn, jobID)
	if err != nil {
		return nil, 0, err
	}
	if job == nil {
		return nil, 0, errors.WithStack(&schedulererrors.ErrJobNotFound{JobID: jobID})
	}
	return job.DeepCopy(), s.queue.Position(jobID), nil
}

// Cancel cancels a job: removal from the queue if it has not been assigned,
// best-effort forced termination if it is running. Cancellation of a job that
// has already finished returns ErrAlreadyTerminal.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (jobdb.JobStatus, error) {
	req := cancelRequest{jobID: jobID, resp: make(chan cancelResponse, 1)}
	select {
	case s.cancels <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case resp := <-req.resp:
		return resp.status, resp.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("Scheduler starting")
	defer log.Info("Scheduler shutting down")

	cycleTicker := s.clock.NewTicker(s.config.CyclePeriod)
	defer cycleTicker.Stop()
	timeoutTicker := s.clock.NewTicker(s.config.TimeoutCheckInterval)
	defer timeoutTicker.Stop()
	livenessTicker := s.clock.NewTicker(s.config.LivenessCheckInterval)
	defer livenessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cycleTicker.C():
			s.runAssignCycle(ctx)
		case <-s.wakeup:
			s.runAssignCycle(ctx)
		case ev := <-s.completions:
			s.handleCompletion(ev)
		case ev := <-s.spawns:
			s.handleSpawnResult(ev)
		case req := <-s.cancels:
			req.resp <- s.handleCancel(ctx, req.jobID)
		case <-timeoutTicker.C():
			s.checkTimeouts(ctx)
		case <-livenessTicker.C():
			for _, crash := range s.pool.CheckLiveness(ctx) {
				s.handleCrash(crash)
			}
		}
	}
}

// kick nudges the assign loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// runAssignCycle pops queued jobs in priority order and tries to place each on
// a worker. Jobs that cannot be placed right now are deferred, preserving
// their queue order, and the cycle moves on so a blocked head-of-line job
// cannot starve other tenants or tiers.
func (s *Scheduler) runAssignCycle(ctx context.Context) {
	var deferred []*queue.Entry
	for {
		if ctx.Err() != nil {
			break
		}
		if s.dispatchLimiter != nil && !s.dispatchLimiter.Allow() {
			break
		}
		entry := s.queue.Pop()
		if entry == nil {
			break
		}
		if requeue := s.tryAssign(ctx, entry); requeue {
			deferred = append(deferred, entry)
		}
	}
	for _, entry := range deferred {
		s.queue.Requeue(entry)
	}
}

// tryAssign attempts to place one queued job. Returns true if the job should
// go back in the queue in its original position.
//
// The store transactions here are short-lived and never span a pool call:
// spawning blocks on the worker runtime for up to the boot timeout, so it
// happens on its own goroutine with the result returning as a spawn event,
// and Submit on other goroutines is never stalled behind a boot. The atomic
// Claim remains the assignment gate.
func (s *Scheduler) tryAssign(ctx context.Context, entry *queue.Entry) bool {
	job, err := s.jobDb.GetById(s.jobDb.ReadTxn(), entry.JobID)
	if err != nil {
		log.WithError(err).Errorf("Failed to look up job %s during assignment", entry.JobID)
		return true
	}
	if job == nil || job.Status != jobdb.JobQueued {
		// Cancelled or otherwise finalized while queued.
		return false
	}

	now := s.clock.Now()
	if job.NextSpawnAt.After(now) {
		// Backing off after a failed spawn.
		return true
	}

	worker, ok, spawn, err := s.pool.Acquire(job.TenantID, job.Tier)
	if err != nil {
		log.WithError(err).Errorf("Failed to acquire a worker for job %s", job.ID)
		return true
	}
	if spawn {
		key := spawnKey(job.TenantID, job.Tier)
		if _, inflight := s.pendingSpawns[key]; inflight {
			return true
		}
		s.pendingSpawns[key] = struct{}{}
		go s.spawnForJob(ctx, entry, job)
		// The entry travels with the spawn and comes back as a spawn event.
		return false
	}
	if !ok {
		// No capacity right now; the job stays queued until a worker frees up
		// or the autoscaler grows the pool.
		return true
	}

	if !s.pool.Claim(worker.ID, job.ID) {
		// Another claimant won the worker; not an error.
		return true
	}

	assigned := job.DeepCopy()
	assigned.Status = jobdb.JobAssigned
	assigned.WorkerID = worker.ID
	assigned.SpawnAttempts = 0
	assigned.NextSpawnAt = time.Time{}
	txn := s.jobDb.WriteTxn()
	if err := s.jobDb.Upsert(txn, assigned); err != nil {
		txn.Abort()
		log.WithError(err).Errorf("Failed to mark job %s assigned", job.ID)
		s.pool.Release(worker.ID)
		return true
	}
	txn.Commit()

	// The claim is recorded before dispatch, so a reader can observe the job
	// assigned before it starts running.
	running := assigned.DeepCopy()
	running.Status = jobdb.JobRunning
	running.StartedAt = now
	txn = s.jobDb.WriteTxn()
	if err := s.jobDb.Upsert(txn, running); err != nil {
		txn.Abort()
		log.WithError(err).Errorf("Failed to mark job %s running", job.ID)
		s.pool.Release(worker.ID)
		return true
	}
	txn.Commit()

	log.WithField("jobId", job.ID).WithField("workerId", worker.ID).Debug("Job dispatched")
	go s.executeJob(ctx, worker.ID, running)
	return false
}

func spawnKey(tenantID string, tier configuration.Tier) string {
	return tenantID + "/" + string(tier)
}

// spawnForJob boots a worker for a job that reserved spawn capacity. Runs on
// its own goroutine per spawn; Spawn can block for the full boot timeout.
func (s *Scheduler) spawnForJob(ctx context.Context, entry *queue.Entry, job *jobdb.Job) {
	_, err := s.pool.Spawn(ctx, job.Tier, job.TenantID)
	select {
	case s.spawns <- spawnEvent{entry: entry, err: err}:
	case <-ctx.Done():
	}
}

// handleSpawnResult finalizes an asynchronous spawn on the event loop: on
// success the job goes back at its old queue position and the next assign
// cycle claims the now-idle worker; on failure the spawn backoff applies.
func (s *Scheduler) handleSpawnResult(ev spawnEvent) {
	delete(s.pendingSpawns, spawnKey(ev.entry.TenantID, ev.entry.Tier))

	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	job, err := s.jobDb.GetById(txn, ev.entry.JobID)
	if err != nil {
		log.WithError(err).Errorf("Failed to look up job %s after spawn", ev.entry.JobID)
		return
	}
	if job == nil || job.Status != jobdb.JobQueued {
		// Cancelled while the spawn was in flight; a spawned worker stays idle
		// for the tier's next job.
		return
	}

	if ev.err != nil {
		if s.handleSpawnFailure(txn, job, ev.err) {
			s.queue.Requeue(ev.entry)
		}
		return
	}

	s.queue.Requeue(ev.entry)
	s.kick()
}

// handleSpawnFailure applies exponential backoff to the job's next assignment
// attempt, failing the job once the retry cap is reached.
func (s *Scheduler) handleSpawnFailure(txn *memdb.Txn, job *jobdb.Job, spawnErr error) bool {
	s.metrics.SpawnFailures.WithLabelValues(string(job.Tier)).Inc()
	log.WithError(spawnErr).Warnf("Spawn failed for job %s (attempt %d)", job.ID, job.SpawnAttempts+1)

	c := job.DeepCopy()
	c.SpawnAttempts++
	if c.SpawnAttempts >= s.config.MaxSpawnAttempts {
		c.Status = jobdb.JobFailed
		c.CompletedAt = s.clock.Now()
		c.ErrorKind = schedulererrors.KindSchedulingFailure
		c.ErrorDetail = spawnErr.Error()
		if err := s.jobDb.Upsert(txn, c); err != nil {
			log.WithError(err).Errorf("Failed to fail job %s after spawn retries", job.ID)
			return true
		}
		txn.Commit()
		s.metrics.JobsFailed.Inc()
		log.Errorf("Job %s failed after %d spawn attempts", job.ID, c.SpawnAttempts)
		return false
	}

	backoff := s.config.SpawnBackoffBase << (c.SpawnAttempts - 1)
	if backoff > s.config.SpawnBackoffCap {
		backoff = s.config.SpawnBackoffCap
	}
	c.NextSpawnAt = s.clock.Now().Add(backoff)
	if err := s.jobDb.Upsert(txn, c); err != nil {
		log.WithError(err).Errorf("Failed to record spawn backoff for job %s", job.ID)
	} else {
		txn.Commit()
	}
	return true
}

// executeJob drives one job on its worker and posts the terminal result back
// to the event loop. Runs on its own goroutine per job.
func (s *Scheduler) executeJob(ctx context.Context, workerID string, job *jobdb.Job) {
	tc := s.tiers[job.Tier]
	execCtx, cancel := context.WithTimeout(ctx, tc.JobTimeout)
	defer cancel()

	output, err := s.pool.Execute(execCtx, workerID, pool.ExecuteRequest{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Payload:  job.Payload,
	})

	select {
	case s.completions <- completionEvent{jobID: job.ID, workerID: workerID, output: output, err: err}:
	case <-ctx.Done():
	}
}

// handleCompletion applies a worker's terminal report. Late reports for jobs
// already finalized (e.g. killed by the timeout watchdog) are ignored, not
// errored.
func (s *Scheduler) handleCompletion(ev completionEvent) {
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	job, err := s.jobDb.GetById(txn, ev.jobID)
	if err != nil {
		log.WithError(err).Errorf("Failed to look up job %s on completion", ev.jobID)
		return
	}
	if job == nil || job.InTerminalState() || job.WorkerID != ev.workerID {
		log.Debugf("Ignoring late completion for job %s from worker %s", ev.jobID, ev.workerID)
		return
	}

	c := job.DeepCopy()
	c.CompletedAt = s.clock.Now()
	c.WorkerID = ""
	if ev.err != nil {
		c.Status = jobdb.JobFailed
		c.ErrorKind = schedulererrors.KindExecutionFailure
		c.ErrorDetail = ev.err.Error()
	} else {
		c.Status = jobdb.JobSucceeded
		c.Result = ev.output
	}
	if err := s.jobDb.Upsert(txn, c); err != nil {
		log.WithError(err).Errorf("Failed to finalize job %s", ev.jobID)
		return
	}
	txn.Commit()

	if ev.err != nil {
		s.metrics.JobsFailed.Inc()
	} else {
		s.metrics.JobsSucceeded.Inc()
	}
	s.pool.Release(ev.workerID)
	s.kick()
}

// checkTimeouts enforces the per-tier hard deadline on running jobs, killing
// the worker even if it hangs. Idempotent payloads get exactly one retry.
func (s *Scheduler) checkTimeouts(ctx context.Context) {
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	running, err := s.jobDb.GetByStatus(txn, jobdb.JobRunning)
	if err != nil {
		log.WithError(err).Error("Failed to list running jobs for timeout check")
		return
	}

	now := s.clock.Now()
	dirty := false
	for _, job := range running {
		tc, ok := s.tiers[job.Tier]
		if !ok || now.Sub(job.StartedAt) <= tc.JobTimeout {
			continue
		}

		log.Warnf("Job %s exceeded its %s timeout, killing worker %s", job.ID, tc.JobTimeout, job.WorkerID)
		go s.terminateWorker(ctx, job.WorkerID)
		s.metrics.JobsTimedOut.Inc()

		c := job.DeepCopy()
		c.WorkerID = ""
		if job.PayloadIdempotent && job.Attempt < 1 {
			c.Status = jobdb.JobQueued
			c.Attempt++
			c.StartedAt = time.Time{}
			c.EnqueuedAt = now
			if _, score, err := s.queue.Enqueue(c.ID, c.TenantID, c.Tier); err != nil {
				log.WithError(err).Errorf("Failed to requeue timed-out job %s", job.ID)
				continue
			} else {
				c.PriorityScore = score
			}
		} else {
			c.Status = jobdb.JobTimedOut
			c.CompletedAt = now
			c.ErrorKind = schedulererrors.KindJobTimeout
			c.ErrorDetail = "job exceeded its tier's timeout"
		}
		if err := s.jobDb.Upsert(txn, c); err != nil {
			log.WithError(err).Errorf("Failed to finalize timed-out job %s", job.ID)
			continue
		}
		dirty = true
	}
	if dirty {
		txn.Commit()
		s.kick()
	}
}

// terminateWorker tears a worker down off the event loop; a graceful stop can
// block for the pool's grace period.
func (s *Scheduler) terminateWorker(ctx context.Context, workerID string) {
	if err := s.pool.Terminate(ctx, workerID); err != nil {
		log.WithError(err).Errorf("Failed to terminate worker %s", workerID)
	}
}

// handleCrash finalizes the job a crashed worker was running.
// The worker has already been torn down and removed from the pool.
func (s *Scheduler) handleCrash(crash pool.Crash) {
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	job, err := s.jobDb.GetById(txn, crash.JobID)
	if err != nil {
		log.WithError(err).Errorf("Failed to look up job %s after worker crash", crash.JobID)
		return
	}
	if job == nil || job.InTerminalState() || job.WorkerID != crash.WorkerID {
		return
	}

	now := s.clock.Now()
	c := job.DeepCopy()
	c.WorkerID = ""
	if job.PayloadIdempotent && job.Attempt < 1 {
		c.Status = jobdb.JobQueued
		c.Attempt++
		c.StartedAt = time.Time{}
		c.EnqueuedAt = now
		if _, score, err := s.queue.Enqueue(c.ID, c.TenantID, c.Tier); err != nil {
			log.WithError(err).Errorf("Failed to requeue job %s after worker crash", crash.JobID)
			return
		} else {
			c.PriorityScore = score
		}
	} else {
		c.Status = jobdb.JobFailed
		c.CompletedAt = now
		c.ErrorKind = schedulererrors.KindWorkerCrash
		c.ErrorDetail = "worker failed its liveness probe mid-run"
		s.metrics.JobsFailed.Inc()
	}
	if err := s.jobDb.Upsert(txn, c); err != nil {
		log.WithError(err).Errorf("Failed to finalize job %s after worker crash", crash.JobID)
		return
	}
	txn.Commit()
	s.kick()
}

func (s *Scheduler) handleCancel(ctx context.Context, jobID string) cancelResponse {
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	job, err := s.jobDb.GetById(txn, jobID)
	if err != nil {
		return cancelResponse{err: err}
	}
	if job == nil {
		return cancelResponse{err: errors.WithStack(&schedulererrors.ErrJobNotFound{JobID: jobID})}
	}
	if job.InTerminalState() {
		return cancelResponse{
			status: job.Status,
			err:    errors.WithStack(&schedulererrors.ErrAlreadyTerminal{JobID: jobID, Status: string(job.Status)}),
		}
	}

	c := job.DeepCopy()
	c.Status = jobdb.JobCancelled
	c.CompletedAt = s.clock.Now()
	c.ErrorKind = schedulererrors.KindCancelled

	switch job.Status {
	case jobdb.JobQueued:
		s.queue.Remove(jobID)
	case jobdb.JobRunning, jobdb.JobAssigned:
		// Best effort: work already in flight may finish, but its late report
		// will be ignored and the worker is torn down.
		c.WorkerID = ""
		go s.terminateWorker(ctx, job.WorkerID)
	}

	if err := s.jobDb.Upsert(txn, c); err != nil {
		return cancelResponse{err: err}
	}
	txn.Commit()
	s.metrics.JobsCancelled.Inc()
	return cancelResponse{status: jobdb.JobCancelled}
}
