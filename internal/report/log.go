package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/pipeline"
)

// LogSink writes a run summary, one warning per failed partition, and one
// debug line per failed record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("report")}
}

// Report implements Sink.
func (s *LogSink) Report(_ context.Context, out pipeline.Output) error {
	summary := Summarize(out)
	logger := s.logger.With(zap.String("run_id", summary.RunID.String()), zap.String("category", summary.Category))
	for _, f := range summary.FailedPartitions {
		logger.Warn("partition failed",
			zap.String("partition", f.Item),
			zap.String("kind", f.Kind),
			zap.Int("status", f.StatusCode),
			zap.String("error", f.Error))
	}
	for _, f := range summary.FailedRecords {
		logger.Debug("record failed",
			zap.String("item", f.Item),
			zap.String("kind", f.Kind),
			zap.Int("status", f.StatusCode),
			zap.String("error", f.Error))
	}
	logger.Info("run summary",
		zap.Int("partitions", summary.Partitions),
		zap.Int("failed_partitions", len(summary.FailedPartitions)),
		zap.Int("identifiers", summary.Identifiers),
		zap.Int("records", summary.Records),
		zap.Int("failed_records", len(summary.FailedRecords)),
		zap.Int64("duration_ms", summary.DurationMillis))
	return nil
}
