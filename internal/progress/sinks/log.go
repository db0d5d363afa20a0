package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/progress"
)

// LogSink writes progress events as structured logs. Per-item fetch events go
// to debug; run and step milestones go to info.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("category", evt.Category),
		}
		if evt.Step != "" {
			fields = append(fields, zap.String("step", evt.Step))
		}
		switch evt.Kind {
		case progress.KindFetchDone:
			fields = append(fields,
				zap.String("item", evt.Item),
				zap.String("outcome", string(evt.Outcome)),
				zap.Int("attempts", evt.Attempts),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("progress event", fields...)
		default:
			fields = append(fields,
				zap.Int("count", evt.Count),
				zap.Int("failed", evt.Failed),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
