package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// LogSink emits one structured log line per event. It is useful during
// development or when no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Failures are
// logged at warn level, everything else at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("job_id", evt.JobUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", evt.Kind),
			zap.Int("percentage", evt.Percentage),
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageJobError {
			s.logger.Warn("job progress", fields...)
			continue
		}
		s.logger.Info("job progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
