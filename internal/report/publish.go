package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/namus-crawler/internal/pipeline"
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// PublishSink announces a finished run as a compact JSON summary.
type PublishSink struct {
	publisher Publisher
}

// NewPublishSink builds a PublishSink.
func NewPublishSink(publisher Publisher) (*PublishSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &PublishSink{publisher: publisher}, nil
}

// Report implements Sink.
func (s *PublishSink) Report(ctx context.Context, out pipeline.Output) error {
	summary := Summarize(out)
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	attrs := map[string]string{
		"run_id":   summary.RunID.String(),
		"category": summary.Category,
		"event":    "crawl.completed",
	}
	if _, err := s.publisher.Publish(ctx, data, attrs); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}
