// Package jobdb is the scheduler-internal store for job records.
// It is implemented on top of https://github.com/hashicorp/go-memdb, a simple
// in-memory database built on immutable radix trees: reads run concurrently
// against a consistent snapshot while writes are serialized.
package jobdb

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	jobsTable = "jobs"

	idIndex     = "id"            // lookup by job id
	dedupIndex  = "dedup"         // lookup by (tenant, idempotency key)
	tenantIndex = "tenant_status" // lookup by (tenant, status)
	statusIndex = "status"        // lookup all jobs with a given status
)

type JobDb struct {
	db *memdb.MemDB
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{db: db}, nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (jobDb *JobDb) ReadTxn() *memdb.Txn {
	return jobDb.db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (jobDb *JobDb) WriteTxn() *memdb.Txn {
	return jobDb.db.Txn(true)
}

// Upsert inserts the given jobs, replacing any existing records with the same id.
// Jobs passed to this function must not be subsequently modified.
func (jobDb *JobDb) Upsert(txn *memdb.Txn, jobs ...*Job) error {
	for _, job := range jobs {
		if err := txn.Insert(jobsTable, job); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the job with the given id or nil if no such job exists.
// The returned job must not be modified.
func (jobDb *JobDb) GetById(txn *memdb.Txn, id string) (*Job, error) {
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Job), nil
}

// GetByIdempotencyKey returns the job a tenant most recently submitted with
// the given idempotency key, or nil if there is none. Several jobs can share
// a key once an earlier one has aged out of the dedup retention window, so
// the latest submission decides.
func (jobDb *JobDb) GetByIdempotencyKey(txn *memdb.Txn, tenantID string, key string) (*Job, error) {
	iter, err := txn.Get(jobsTable, dedupIndex, tenantID, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var latest *Job
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		job := obj.(*Job)
		if latest == nil || job.SubmittedAt.After(latest.SubmittedAt) {
			latest = job
		}
	}
	return latest, nil
}

// ActiveCount returns the number of a tenant's jobs currently assigned or running.
func (jobDb *JobDb) ActiveCount(txn *memdb.Txn, tenantID string) (int, error) {
	count := 0
	for _, status := range []JobStatus{JobAssigned, JobRunning} {
		iter, err := txn.Get(jobsTable, tenantIndex, tenantID, string(status))
		if err != nil {
			return 0, errors.WithStack(err)
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			count++
		}
	}
	return count, nil
}

// GetByStatus returns all jobs with the given status.
// The returned jobs must not be modified.
func (jobDb *JobDb) GetByStatus(txn *memdb.Txn, status JobStatus) ([]*Job, error) {
	iter, err := txn.Get(jobsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]*Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		jobs = append(jobs, obj.(*Job))
	}
	return jobs, nil
}

// Delete removes the job with the given id. Missing ids are ignored.
func (jobDb *JobDb) Delete(txn *memdb.Txn, id string) error {
	job, err := jobDb.GetById(txn, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return errors.WithStack(txn.Delete(jobsTable, job))
}

func jobDbSchema() *memdb.DBSchema {
	indexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:    idIndex,
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "ID"},
		},
		dedupIndex: {
			Name:         dedupIndex,
			Unique:       false,
			AllowMissing: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "TenantID"},
					&memdb.StringFieldIndex{Field: "IdempotencyKey"},
				},
			},
		},
		tenantIndex: {
			Name:   tenantIndex,
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "TenantID"},
					&memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
		statusIndex: {
			Name:    statusIndex,
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "Status"},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
