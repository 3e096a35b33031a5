package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// TestRunnerRelaysStageProgress runs a two-stage job and checks the event stream.
func TestRunnerRelaysStageProgress(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	jobID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	runner := NewRunner(emitter, fixedIDs{id: jobID}, &fakeClock{}, nil)

	var observed []int
	got, err := runner.Run(context.Background(), Job{
		Kind: "row_import",
		Stages: []Stage{
			{Name: "parse", Weight: 10},
			{Name: "rows", Weight: 90, Units: 4, Run: func(_ context.Context, node *progress.Node) error {
				for i := 0; i < 4; i++ {
					node.Step("row")
				}
				return nil
			}},
		},
		OnProgress: func(p int, _ string) { observed = append(observed, p) },
	})
	require.NoError(t, err)
	require.Equal(t, jobID, got)
	require.Equal(t, []int{10, 33, 55, 78, 100}, observed)

	events := emitter.Events()
	require.Len(t, events, 7)
	require.Equal(t, progress.StageJobStart, events[0].Stage)
	require.Equal(t, progress.StageJobProgress, events[1].Stage)
	require.Equal(t, 10, events[1].Percentage)
	require.Empty(t, events[1].State)
	require.Equal(t, "row", events[2].State)
	require.Equal(t, 100, events[5].Percentage)
	require.Equal(t, progress.StageJobDone, events[6].Stage)
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		require.Equal(t, "row_import", evt.Kind)
		require.Equal(t, jobID, evt.JobUUID())
	}
}

// TestRunnerStageFailure stops at the failing stage and emits JOB_ERROR.
func TestRunnerStageFailure(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	runner := NewRunner(emitter, fixedIDs{id: uuid.New()}, &fakeClock{}, nil)
	boom := errors.New("boom")
	ranLast := false

	_, err := runner.Run(context.Background(), Job{
		Kind: "template_sync",
		Stages: []Stage{
			{Name: "tables", Weight: 50, Units: 2, Run: func(_ context.Context, node *progress.Node) error {
				node.Step("table 1")
				return boom
			}},
			{Name: "fields", Weight: 50, Run: func(context.Context, *progress.Node) error {
				ranLast = true
				return nil
			}},
		},
	})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "stage tables")
	require.False(t, ranLast)

	events := emitter.Events()
	last := events[len(events)-1]
	require.Equal(t, progress.StageJobError, last.Stage)
	require.Contains(t, last.Note, "boom")
	require.Equal(t, 25, events[1].Percentage)
}

// TestRunnerCanceledContext refuses to start further stages.
func TestRunnerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := NewRunner(nil, fixedIDs{id: uuid.New()}, &fakeClock{}, nil)
	_, err := runner.Run(ctx, Job{Kind: "row_import", Stages: []Stage{{Name: "rows", Weight: 100, Units: 1}}})
	require.ErrorIs(t, err, context.Canceled)
}

// TestRunnerValidation covers empty jobs and ID failures.
func TestRunnerValidation(t *testing.T) {
	t.Parallel()

	runner := NewRunner(nil, fixedIDs{err: errors.New("entropy")}, &fakeClock{}, nil)
	_, err := runner.Run(context.Background(), Job{Kind: "row_import"})
	require.ErrorIs(t, err, ErrNoStages)

	id, err := runner.Run(context.Background(), Job{Stages: []Stage{{Name: "x", Weight: 100}}})
	require.Error(t, err)
	require.Equal(t, uuid.Nil, id)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

type fixedIDs struct {
	id  uuid.UUID
	err error
}

func (f fixedIDs) NewJobID() (uuid.UUID, error) {
	return f.id, f.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		c.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// TestRunnerSubmitRunsInBackground completes an import job submitted asynchronously.
func TestRunnerSubmitRunsInBackground(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	jobID := uuid.New()
	runner := NewRunner(emitter, fixedIDs{id: jobID}, &fakeClock{}, nil)

	got, err := runner.Submit(context.Background(), ImportJob(ImportOptions{Rows: 40, Batch: 7, Workers: 3}))
	require.NoError(t, err)
	require.Equal(t, jobID, got)
	runner.Wait()

	events := emitter.Events()
	require.Equal(t, progress.StageJobStart, events[0].Stage)
	require.Equal(t, progress.StageJobDone, events[len(events)-1].Stage)
	require.Equal(t, 100, events[len(events)-2].Percentage)

	_, err = runner.Submit(context.Background(), Job{})
	require.ErrorIs(t, err, ErrNoStages)
}

// TestRunnerTracesJobAndStages records one span per job and per executed stage.
func TestRunnerTracesJobAndStages(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	runner := NewRunner(nil, fixedIDs{id: uuid.New()}, &fakeClock{}, nil).WithTracerProvider(tp)

	boom := errors.New("boom")
	_, err := runner.Run(context.Background(), Job{
		Kind: "template_sync",
		Stages: []Stage{
			{Name: "tables", Weight: 50, Units: 1, Run: func(_ context.Context, node *progress.Node) error {
				node.Step("")
				return nil
			}},
			{Name: "fields", Weight: 50, Units: 1, Run: func(context.Context, *progress.Node) error {
				return boom
			}},
		},
	})
	require.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	names := []string{spans[0].Name(), spans[1].Name(), spans[2].Name()}
	require.Equal(t, []string{"stage tables", "stage fields", "job template_sync"}, names)
	require.Equal(t, codes.Error, spans[2].Status().Code)
	require.Equal(t, spans[2].SpanContext().SpanID(), spans[0].Parent().SpanID())
}
