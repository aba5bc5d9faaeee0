// Package store persists jobs, iteration records and the audit log.
package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateActiveJob is returned by CreateJob when the issue already
	// has a non-terminal job record.
	ErrDuplicateActiveJob = errors.New("issue already has an active job")

	// ErrConflict is returned by UpdateJob when the job changed since it was
	// read.
	ErrConflict = errors.New("job was modified concurrently")

	// ErrDuplicateIteration is returned when an iteration sequence number is
	// reused for the same job.
	ErrDuplicateIteration = errors.New("iteration already recorded")
)

// Store is the durable job record.
type Store interface {
	// CreateJob inserts j, assigning ID and timestamps.
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id int64) (*job.Job, error)
	// FindLatest returns the newest job for an issue.
	FindLatest(ctx context.Context, repo job.RepoRef, externalID int) (*job.Job, error)
	// UpdateJob overwrites the mutable fields of an existing job if its
	// stored Version still equals j.Version, and bumps j.Version. Otherwise
	// it returns ErrConflict and leaves the stored job unchanged.
	UpdateJob(ctx context.Context, j *job.Job) error
	// ListByStatus returns jobs in any of statuses, oldest first. No statuses
	// lists every job.
	ListByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)

	AppendIteration(ctx context.Context, rec *job.IterationRecord) error
	ListIterations(ctx context.Context, jobID int64) ([]job.IterationRecord, error)

	AppendAudit(ctx context.Context, e job.AuditEntry) error
	ListAudit(ctx context.Context, jobID int64) ([]job.AuditEntry, error)
}
