package jobdb

import (
	"time"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// Job is the scheduler-internal representation of a unit of work.
// A job is owned by exactly one tenant and bound to at most one worker at any
// instant. Jobs stored in the JobDb must not be modified in place; use
// DeepCopy, mutate the copy and upsert it.
type Job struct {
	// Lowercase ULID. Unique.
	ID       string
	TenantID string
	Tier     configuration.Tier
	// Ordering key combining tier weight and enqueue sequence.
	PriorityScore int64
	// Opaque application payload.
	Payload []byte
	// True if the caller declared the payload safe to re-run.
	// This is a caller contract; the scheduler does not verify it.
	PayloadIdempotent bool
	// Caller-supplied deduplication token. Empty if none was supplied.
	IdempotencyKey string

	Status JobStatus

	SubmittedAt time.Time
	EnqueuedAt  time.Time
	// Zero until the job is dispatched.
	StartedAt time.Time
	// Zero until the job reaches a terminal state.
	CompletedAt time.Time

	// Retry counter, incremented when a timed-out idempotent job is requeued.
	Attempt int

	// Id of the worker currently bound to this job. Empty if none.
	WorkerID string

	// Opaque output blob from a succeeded run.
	Result []byte
	// Machine-readable error kind and human-readable detail for failed runs.
	ErrorKind   string
	ErrorDetail string

	// Spawn retry bookkeeping: number of failed spawn attempts for this job
	// and the earliest time the next attempt may be made.
	SpawnAttempts int
	NextSpawnAt   time.Time
}

// InTerminalState returns true if the job has finished and its status can no
// longer change.
func (job *Job) InTerminalState() bool {
	switch job.Status {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// DeepCopy copies the job so the copy can be mutated and upserted.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	c := *job
	c.Payload = append([]byte(nil), job.Payload...)
	c.Result = append([]byte(nil), job.Result...)
	return &c
}
