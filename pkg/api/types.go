// Package api defines the JSON wire types of the windlass HTTP API.
package api

import (
	"encoding/json"
	"time"
)

type SubmitJobRequest struct {
	TenantID string `json:"tenantId"`
	Tier     string `json:"tier"`
	// Opaque application payload, passed through to the worker untouched.
	Payload json.RawMessage `json:"payload"`
	// Declares the payload safe to re-run after a timeout or worker crash.
	Idempotent bool `json:"idempotent,omitempty"`
	// Optional token deduplicating logically identical submissions.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	// Present only while the job is queued. 0 is the head of the queue.
	QueuePosition *int `json:"queuePosition,omitempty"`
}

type JobError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type JobStatusResponse struct {
	JobID         string     `json:"jobId"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queuePosition,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	// Base64-encoded opaque output blob of a succeeded run.
	Result []byte    `json:"result,omitempty"`
	Error  *JobError `json:"error,omitempty"`
}

type CancelJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	// True if the job had already finished before the cancel arrived.
	AlreadyTerminal bool `json:"alreadyTerminal,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Seconds until a quota-rejected tenant may retry.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}
