// Package report consumes the output of a finished crawl run. A Sink gets the
// complete output once; sinks never change what the run produced.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
)

// Sink receives the output of one run.
type Sink interface {
	Report(ctx context.Context, out pipeline.Output) error
}

// Multi reports to every sink, even after one fails, and joins the errors.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(ctx context.Context, out pipeline.Output) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Report(ctx, out); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}

// Failure describes one failed item in a summary.
type Failure struct {
	Item       string `json:"item"`
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error"`
}

// Summary is the serializable digest of a run.
type Summary struct {
	RunID            uuid.UUID `json:"run_id"`
	Category         string    `json:"category"`
	Partitions       int       `json:"partitions"`
	Identifiers      int       `json:"identifiers"`
	Records          int       `json:"records"`
	FailedRecords    []Failure `json:"failed_records"`
	FailedPartitions []Failure `json:"failed_partitions"`
	PeakConcurrency  int       `json:"peak_concurrency"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	DurationMillis   int64     `json:"duration_ms"`
}

// Summarize digests out. Failure lists are never nil so they encode as [].
func Summarize(out pipeline.Output) Summary {
	s := Summary{
		RunID:            out.RunID,
		Category:         out.Category.Slug(),
		Partitions:       len(out.Partitions),
		Identifiers:      out.Identifiers,
		Records:          len(out.Records),
		FailedRecords:    make([]Failure, 0, len(out.FailedRecords)),
		FailedPartitions: make([]Failure, 0, len(out.FailedPartitions)),
		PeakConcurrency:  out.PeakConcurrency,
		StartedAt:        out.StartedAt,
		FinishedAt:       out.FinishedAt,
		DurationMillis:   out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
	}
	for _, f := range out.FailedRecords {
		s.FailedRecords = append(s.FailedRecords, describe(f.ID.String(), f.Err))
	}
	for _, f := range out.FailedPartitions {
		s.FailedPartitions = append(s.FailedPartitions, describe(string(f.Partition), f.Err))
	}
	return s
}

func describe(item string, err error) Failure {
	f := Failure{Item: item, Kind: string(namus.KindOf(err)), StatusCode: namus.StatusOf(err)}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
