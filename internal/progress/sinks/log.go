// Package sinks provides progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
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
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", evt.Kind),
			zap.Int("batch", evt.Batch),
			zap.Int64("records", evt.Records),
			zap.Int64("errors", evt.Errors),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
