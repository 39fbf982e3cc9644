// Package schedulererrors contains the error types surfaced by the scheduler.
// HTTP handlers recover these with errors.As and map them to response codes
// via StatusFromError; everything else is treated as an internal error.
//
// If multiple errors occur in some function, it should return an error of type
// multierror.Error from github.com/hashicorp/go-multierror encapsulating them.
package schedulererrors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

// Machine-readable error kinds recorded on failed jobs.
const (
	KindSchedulingFailure = "scheduling_failure"
	KindJobTimeout        = "job_timeout"
	KindWorkerCrash       = "worker_crash"
	KindExecutionFailure  = "execution_failure"
	KindCancelled         = "cancelled"
)

// ErrQuotaExceeded indicates a tenant is over its submission rate limit.
// RetryAfter is the time until the quota window resets.
type ErrQuotaExceeded struct {
	TenantID   string
	Tier       configuration.Tier
	Limit      int
	RetryAfter time.Duration
}

func (err *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("tenant %s exceeded quota of %d submissions per window for tier %s; retry after %s",
		err.TenantID, err.Limit, err.Tier, err.RetryAfter)
}

// ErrDuplicateJob indicates a job with this id is already queued.
type ErrDuplicateJob struct {
	JobID string
}

func (err *ErrDuplicateJob) Error() string {
	return fmt.Sprintf("job %s is already queued", err.JobID)
}

// ErrWorkerSpawn indicates a worker could not be started.
// Systemic: surfaced via metrics in addition to any per-job handling.
type ErrWorkerSpawn struct {
	Tier   configuration.Tier
	Reason error
}

func (err *ErrWorkerSpawn) Error() string {
	return fmt.Sprintf("failed to spawn %s worker: %v", err.Tier, err.Reason)
}

func (err *ErrWorkerSpawn) Unwrap() error {
	return err.Reason
}

// ErrJobNotFound indicates no job exists with the requested id.
type ErrJobNotFound struct {
	JobID string
}

func (err *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s does not exist", err.JobID)
}

// ErrTooManyRunningJobs indicates a tenant is at its concurrent-job cap.
type ErrTooManyRunningJobs struct {
	TenantID string
	Tier     configuration.Tier
	Limit    int
}

func (err *ErrTooManyRunningJobs) Error() string {
	return fmt.Sprintf("tenant %s already has %d jobs running on tier %s", err.TenantID, err.Limit, err.Tier)
}

// ErrInvalidTier indicates an unknown or unconfigured tier was supplied.
type ErrInvalidTier struct {
	Value string
}

func (err *ErrInvalidTier) Error() string {
	return fmt.Sprintf("unknown tier %q", err.Value)
}

// ErrAlreadyTerminal indicates an operation on a job that has already finished.
type ErrAlreadyTerminal struct {
	JobID  string
	Status string
}

func (err *ErrAlreadyTerminal) Error() string {
	return fmt.Sprintf("job %s is already in terminal state %s", err.JobID, err.Status)
}

// StatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just
// considering the topmost error in the chain.
func StatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var quotaErr *ErrQuotaExceeded
	var notFoundErr *ErrJobNotFound
	var tooManyErr *ErrTooManyRunningJobs
	var invalidTierErr *ErrInvalidTier
	var terminalErr *ErrAlreadyTerminal
	var duplicateErr *ErrDuplicateJob

	switch {
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &tooManyErr):
		return http.StatusConflict
	case errors.As(err, &invalidTierErr):
		return http.StatusBadRequest
	case errors.As(err, &terminalErr):
		return http.StatusConflict
	case errors.As(err, &duplicateErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
