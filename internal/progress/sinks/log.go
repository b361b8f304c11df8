package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a metrics backend is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("operation_id", evt.OperationID),
			zap.String("kind", string(evt.Kind)),
			zap.String("target_id", evt.TargetID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Int("saved", evt.Saved),
			zap.Int("failed", evt.Failed),
			zap.Int("skipped", evt.Skipped),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
