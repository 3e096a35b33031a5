// Package memory provides in-process storage used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/progresstree/internal/store"
)

// ProgressStore keeps job progress in memory for development/testing.
type ProgressStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]store.JobRun
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{jobs: make(map[uuid.UUID]store.JobRun)}
}

// UpsertJobStart creates the running row, leaving an existing row untouched.
func (s *ProgressStore) UpsertJobStart(_ context.Context, jobID uuid.UUID, kind string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return nil
	}
	s.jobs[jobID] = store.JobRun{
		ID:        jobID,
		Kind:      kind,
		Status:    store.RunRunning,
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
	return nil
}

// UpdateProgress raises the stored percentage; lower values are ignored.
func (s *ProgressStore) UpdateProgress(_ context.Context, jobID uuid.UUID, percentage int, state string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		job = store.JobRun{ID: jobID, Status: store.RunRunning, StartedAt: at}
	}
	if ok && percentage < job.Percentage {
		return nil
	}
	job.Percentage = percentage
	job.State = state
	if at.After(job.UpdatedAt) {
		job.UpdatedAt = at
	}
	s.jobs[jobID] = job
	return nil
}

// CompleteJob marks a job finished.
func (s *ProgressStore) CompleteJob(
	_ context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	status store.JobRunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	job.FinishedAt = &finishedAt
	if errMsg != nil {
		msg := *errMsg
		job.ErrorMessage = &msg
	}
	if finishedAt.After(job.UpdatedAt) {
		job.UpdatedAt = finishedAt
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *ProgressStore) GetJob(_ context.Context, jobID uuid.UUID) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *ProgressStore) ListJobs(_ context.Context, status *store.JobRunStatus, limit, offset int) ([]store.JobRun, error) {
	s.mu.RLock()
	out := make([]store.JobRun, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.JobRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
