package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/progresstree/internal/store"
)

func TestProgressStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewProgressStore()
	ctx := context.Background()
	jobID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()

	if err := s.UpsertJobStart(ctx, jobID, "row_import", start); err != nil {
		t.Fatalf("UpsertJobStart() error = %v", err)
	}
	if err := s.UpdateProgress(ctx, jobID, 40, "rows", start.Add(time.Second)); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if err := s.UpdateProgress(ctx, jobID, 20, "stale", start.Add(2*time.Second)); err != nil {
		t.Fatalf("UpdateProgress() stale error = %v", err)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Percentage != 40 || job.State != "rows" || job.Kind != "row_import" {
		t.Fatalf("unexpected progress %+v", job)
	}

	msg := "boom"
	if err := s.CompleteJob(ctx, jobID, start.Add(3*time.Second), store.RunError, &msg); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	msg = "mutated"
	job, _ = s.GetJob(ctx, jobID)
	if job.Status != store.RunError || job.FinishedAt == nil || job.ErrorMessage == nil || *job.ErrorMessage != "boom" {
		t.Fatalf("expected completed error job, got %+v", job)
	}
}

func TestProgressStoreNotFound(t *testing.T) {
	t.Parallel()

	s := NewProgressStore()
	if _, err := s.GetJob(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrNotFound", err)
	}
	err := s.CompleteJob(context.Background(), uuid.New(), time.Now(), store.RunSuccess, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CompleteJob() error = %v, want ErrNotFound", err)
	}
}

func TestProgressStoreListJobs(t *testing.T) {
	t.Parallel()

	s := NewProgressStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		if err := s.UpsertJobStart(ctx, id, "template_sync", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("UpsertJobStart() error = %v", err)
		}
	}
	if err := s.CompleteJob(ctx, ids[0], base.Add(time.Hour), store.RunSuccess, nil); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}

	running := store.RunRunning
	jobs, err := s.ListJobs(ctx, &running, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Fatalf("unexpected running jobs %+v", jobs)
	}

	page, err := s.ListJobs(ctx, nil, 1, 1)
	if err != nil {
		t.Fatalf("ListJobs() page error = %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Fatalf("unexpected page %+v", page)
	}
	empty, _ := s.ListJobs(ctx, nil, 10, 5)
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v", empty)
	}
}
