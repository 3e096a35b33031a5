// Package store declares interfaces for persisting job progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// JobRunStatus mirrors the job_progress status column.
type JobRunStatus string

// Job run statuses persisted in job_progress.status.
const (
	RunRunning JobRunStatus = "running"
	RunSuccess JobRunStatus = "success"
	RunError   JobRunStatus = "error"
)

// JobRun is the last known state of one long-running operation.
type JobRun struct {
	// ID is the job identifier shared with the progress events.
	ID uuid.UUID
	// Kind labels the operation (row_import, template_sync, ...).
	Kind string
	// Status is running/success/error.
	Status JobRunStatus
	// Percentage is the most recent root-visible percentage.
	Percentage int
	// State is the label that accompanied Percentage, if any.
	State string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// UpdatedAt is the timestamp of the latest progress write.
	UpdatedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ProgressRepository persists the latest progress of each job.
type ProgressRepository interface {
	// UpsertJobStart inserts (or idempotently updates) the running row.
	UpsertJobStart(ctx context.Context, jobID uuid.UUID, kind string, startedAt time.Time) error
	// UpdateProgress records a new percentage. Older or lower values must not
	// overwrite newer ones.
	UpdateProgress(ctx context.Context, jobID uuid.UUID, percentage int, state string, at time.Time) error
	// CompleteJob marks the run finished with the provided status and error.
	CompleteJob(ctx context.Context, jobID uuid.UUID, finishedAt time.Time, status JobRunStatus, errMsg *string) error

	// GetJob loads a single job run or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListJobs returns job runs filtered by optional status plus limit/offset,
	// most recently started first.
	ListJobs(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
}
