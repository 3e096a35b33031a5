package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// ErrNoStages is returned when a job is submitted without stages.
var ErrNoStages = errors.New("job has no stages")

const tracerName = "github.com/JakeFAU/progresstree/internal/jobs"

// rootScale is the total of every job root, so stage weights are percentage points.
const rootScale = 100

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewJobID() (uuid.UUID, error)
}

// Stage is one weighted step of a job. Units sizes the stage's own node; zero
// units mark a stage that completes as soon as it is attached. Run may
// subdivide the node further with AddChild or FanOut.
type Stage struct {
	Name   string
	Weight int64
	Units  int64
	Run    func(ctx context.Context, node *progress.Node) error
}

// Job describes one operation to run.
type Job struct {
	Kind   string
	Stages []Stage
	// OnProgress, when set, also receives every root percentage change.
	OnProgress progress.Callback
}

// Runner executes jobs and relays their progress to an Emitter.
type Runner struct {
	emitter progress.Emitter
	ids     IDGenerator
	clock   Clock
	logger  *zap.Logger
	tracer  trace.Tracer

	inflight sync.WaitGroup
}

// NewRunner wires the runner dependencies. A nil emitter disables relaying.
func NewRunner(emitter progress.Emitter, ids IDGenerator, clock Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		emitter: emitter,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// WithTracerProvider replaces the global tracer provider for this runner.
func (r *Runner) WithTracerProvider(tp trace.TracerProvider) *Runner {
	if tp != nil {
		r.tracer = tp.Tracer(tracerName)
	}
	return r
}

// Run executes the job's stages in order and blocks until they finish. Each
// stage's node is attached to the root before the stage runs. The returned ID
// is valid whenever it is not uuid.Nil, even if err is non-nil.
func (r *Runner) Run(ctx context.Context, job Job) (uuid.UUID, error) {
	jobID, err := r.newJob(job)
	if err != nil {
		return uuid.Nil, err
	}
	return jobID, r.execute(ctx, jobID, job)
}

// Submit validates job, assigns its ID and runs it on a new goroutine bound to
// ctx. Failures are reported through the emitter and the log only.
func (r *Runner) Submit(ctx context.Context, job Job) (uuid.UUID, error) {
	jobID, err := r.newJob(job)
	if err != nil {
		return uuid.Nil, err
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		_ = r.execute(ctx, jobID, job)
	}()
	return jobID, nil
}

// Wait blocks until every submitted job has returned.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

func (r *Runner) newJob(job Job) (uuid.UUID, error) {
	if len(job.Stages) == 0 {
		return uuid.Nil, ErrNoStages
	}
	jobID, err := r.ids.NewJobID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("new job id: %w", err)
	}
	return jobID, nil
}

func (r *Runner) execute(ctx context.Context, jobID uuid.UUID, job Job) (err error) {
	logger := r.logger.With(zap.Stringer("job_id", jobID), zap.String("kind", job.Kind))
	ctx, span := r.tracer.Start(ctx, "job "+job.Kind, trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.stages", len(job.Stages)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	root := progress.New(rootScale)
	relay := progress.Relay(r.emitter, r.clock, jobID, job.Kind)
	observer := job.OnProgress
	root.RegisterCallback(func(percentage int, state string) {
		relay(percentage, state)
		if observer != nil {
			observer(percentage, state)
		}
	})

	started := r.clock.Now()
	r.emit(jobID, job.Kind, progress.StageJobStart, 0, "")
	logger.Info("job started", zap.Int("stages", len(job.Stages)))

	for _, stage := range job.Stages {
		if err := ctx.Err(); err != nil {
			return r.fail(logger, jobID, job.Kind, started, fmt.Errorf("before stage %s: %w", stage.Name, err))
		}
		node := progress.New(stage.Units)
		root.AddChild(node, stage.Weight)
		if stage.Run == nil {
			continue
		}
		stageStart := r.clock.Now()
		if err := r.runStage(ctx, stage, node); err != nil {
			return r.fail(logger, jobID, job.Kind, started, fmt.Errorf("stage %s: %w", stage.Name, err))
		}
		logger.Debug("stage finished",
			zap.String("stage", stage.Name),
			zap.Int("stage_percentage", node.Percentage()),
			zap.Duration("dur", r.clock.Since(stageStart)),
		)
	}

	dur := r.clock.Since(started)
	r.emit(jobID, job.Kind, progress.StageJobDone, dur, "")
	logger.Info("job finished", zap.Int("percentage", root.Percentage()), zap.Duration("dur", dur))
	return nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage, node *progress.Node) error {
	ctx, span := r.tracer.Start(ctx, "stage "+stage.Name, trace.WithAttributes(
		attribute.Int64("stage.weight", stage.Weight),
		attribute.Int64("stage.units", stage.Units),
	))
	defer span.End()
	err := stage.Run(ctx, node)
	span.SetAttributes(attribute.Int("stage.percentage", node.Percentage()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) fail(logger *zap.Logger, jobID uuid.UUID, kind string, started time.Time, err error) error {
	dur := r.clock.Since(started)
	r.emit(jobID, kind, progress.StageJobError, dur, err.Error())
	logger.Warn("job failed", zap.Error(err), zap.Duration("dur", dur))
	return err
}

func (r *Runner) emit(jobID uuid.UUID, kind string, stage progress.Stage, dur time.Duration, note string) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(progress.Event{
		JobID: progress.UUIDToBytes(jobID),
		TS:    r.clock.Now().UTC(),
		Stage: stage,
		Kind:  kind,
		Dur:   dur,
		Note:  note,
	})
}
