package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/progress"
	"github.com/JakeFAU/progresstree/internal/store"
)

// StoreSink persists job progress via a store.ProgressRepository. Progress
// events are collapsed to the highest percentage per job within a batch to
// reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes starts, then collapsed progress, then completions. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[uuid.UUID]*progressDelta)
	var order []uuid.UUID
	var completions []progress.Event

	for _, evt := range batch {
		jobID := evt.JobUUID()
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.UpsertJobStart(ctx, jobID, evt.Kind, evt.TS); err != nil {
				return fmt.Errorf("upsert job start: %w", err)
			}
		case progress.StageJobProgress:
			d, ok := latest[jobID]
			if !ok {
				d = &progressDelta{}
				latest[jobID] = d
				order = append(order, jobID)
			}
			d.merge(evt)
		case progress.StageJobDone, progress.StageJobError:
			completions = append(completions, evt)
		}
	}

	for _, jobID := range order {
		d := latest[jobID]
		if err := s.repo.UpdateProgress(ctx, jobID, d.percentage, d.state, d.at); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
	}

	for _, evt := range completions {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageJobError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteJob(ctx, evt.JobUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	}
	s.logger.Debug("persisted progress batch",
		zap.Int("events", len(batch)),
		zap.Int("jobs_updated", len(order)),
		zap.Int("jobs_completed", len(completions)),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type progressDelta struct {
	percentage int
	state      string
	at         time.Time
	seen       bool
}

// merge keeps the highest percentage; ties go to the later event.
func (d *progressDelta) merge(evt progress.Event) {
	if d.seen && evt.Percentage < d.percentage {
		return
	}
	d.seen = true
	d.percentage = evt.Percentage
	d.state = evt.State
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
