package jobdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
)

func newTestJobDb(t *testing.T) *JobDb {
	jobDb, err := NewJobDb()
	require.NoError(t, err)
	return jobDb
}

func TestUpsertAndGetById(t *testing.T) {
	jobDb := newTestJobDb(t)
	job := &Job{ID: "job-1", TenantID: "tenant-1", Tier: configuration.TierFree, Status: JobQueued}

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, job))
	txn.Commit()

	readTxn := jobDb.ReadTxn()
	retrieved, err := jobDb.GetById(readTxn, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job, retrieved)

	missing, err := jobDb.GetById(readTxn, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	jobDb := newTestJobDb(t)
	job := &Job{ID: "job-1", TenantID: "tenant-1", Status: JobQueued}

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, job))
	updated := job.DeepCopy()
	updated.Status = JobRunning
	require.NoError(t, jobDb.Upsert(txn, updated))
	txn.Commit()

	retrieved, err := jobDb.GetById(jobDb.ReadTxn(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, retrieved.Status)
}

func TestUncommittedWritesNotVisible(t *testing.T) {
	jobDb := newTestJobDb(t)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, &Job{ID: "job-1", TenantID: "tenant-1", Status: JobQueued}))

	retrieved, err := jobDb.GetById(jobDb.ReadTxn(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, retrieved)

	txn.Abort()
	retrieved, err = jobDb.GetById(jobDb.ReadTxn(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestGetByIdempotencyKey(t *testing.T) {
	jobDb := newTestJobDb(t)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn,
		&Job{ID: "job-1", TenantID: "tenant-1", IdempotencyKey: "key-1", Status: JobQueued},
		&Job{ID: "job-2", TenantID: "tenant-2", IdempotencyKey: "key-1", Status: JobQueued},
		&Job{ID: "job-3", TenantID: "tenant-1", Status: JobQueued},
	))
	txn.Commit()

	readTxn := jobDb.ReadTxn()

	// Keys are scoped per tenant.
	job, err := jobDb.GetByIdempotencyKey(readTxn, "tenant-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)

	job, err = jobDb.GetByIdempotencyKey(readTxn, "tenant-2", "key-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)

	job, err = jobDb.GetByIdempotencyKey(readTxn, "tenant-1", "other")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestGetByIdempotencyKey_ReturnsMostRecent(t *testing.T) {
	jobDb := newTestJobDb(t)
	t0 := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	// Two generations of the same key: an old record that aged out of its
	// dedup window and the job that replaced it.
	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn,
		&Job{ID: "job-old", TenantID: "tenant-1", IdempotencyKey: "key-1", Status: JobSucceeded, SubmittedAt: t0},
		&Job{ID: "job-new", TenantID: "tenant-1", IdempotencyKey: "key-1", Status: JobQueued, SubmittedAt: t0.Add(25 * time.Hour)},
	))
	txn.Commit()

	job, err := jobDb.GetByIdempotencyKey(jobDb.ReadTxn(), "tenant-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-new", job.ID)
}

func TestActiveCount(t *testing.T) {
	jobDb := newTestJobDb(t)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn,
		&Job{ID: "job-1", TenantID: "tenant-1", Status: JobQueued},
		&Job{ID: "job-2", TenantID: "tenant-1", Status: JobAssigned},
		&Job{ID: "job-3", TenantID: "tenant-1", Status: JobRunning},
		&Job{ID: "job-4", TenantID: "tenant-1", Status: JobSucceeded},
		&Job{ID: "job-5", TenantID: "tenant-2", Status: JobRunning},
	))
	txn.Commit()

	readTxn := jobDb.ReadTxn()
	count, err := jobDb.ActiveCount(readTxn, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = jobDb.ActiveCount(readTxn, "tenant-3")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetByStatus(t *testing.T) {
	jobDb := newTestJobDb(t)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn,
		&Job{ID: "job-1", TenantID: "tenant-1", Status: JobRunning},
		&Job{ID: "job-2", TenantID: "tenant-2", Status: JobRunning},
		&Job{ID: "job-3", TenantID: "tenant-1", Status: JobQueued},
	))
	txn.Commit()

	running, err := jobDb.GetByStatus(jobDb.ReadTxn(), JobRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	failed, err := jobDb.GetByStatus(jobDb.ReadTxn(), JobFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestDelete(t *testing.T) {
	jobDb := newTestJobDb(t)

	txn := jobDb.WriteTxn()
	require.NoError(t, jobDb.Upsert(txn, &Job{ID: "job-1", TenantID: "tenant-1", Status: JobQueued}))
	require.NoError(t, jobDb.Delete(txn, "job-1"))
	require.NoError(t, jobDb.Delete(txn, "not-there"))
	txn.Commit()

	retrieved, err := jobDb.GetById(jobDb.ReadTxn(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestInTerminalState(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobQueued:    false,
		JobAssigned:  false,
		JobRunning:   false,
		JobSucceeded: true,
		JobFailed:    true,
		JobTimedOut:  true,
		JobCancelled: true,
	}
	for status, expected := range terminal {
		job := &Job{ID: "job-1", Status: status}
		assert.Equal(t, expected, job.InTerminalState(), "status %s", status)
	}
}

func TestDeepCopy(t *testing.T) {
	job := &Job{ID: "job-1", Payload: []byte("in"), Result: []byte("out")}
	c := job.DeepCopy()

	c.Payload[0] = 'X'
	c.Result[0] = 'X'
	assert.Equal(t, []byte("in"), job.Payload)
	assert.Equal(t, []byte("out"), job.Result)

	var nilJob *Job
	assert.Nil(t, nilJob.DeepCopy())
}
