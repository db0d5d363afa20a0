// Package progress defines the events a crawl run emits while it works.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes which milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindRunStart  Kind = "RUN_START"
	KindRunDone   Kind = "RUN_DONE"
	KindRunError  Kind = "RUN_ERROR"
	KindStepStart Kind = "STEP_START"
	KindStepDone  Kind = "STEP_DONE"
	KindFetchDone Kind = "FETCH_DONE"
)

// Outcome is the final disposition of one item.
type Outcome string

// Item outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event captures one piece of crawl progress.
type Event struct {
	// RunID identifies the crawl run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Kind Kind
	// Category is the case set slug.
	Category string
	// Step names the pipeline step (discover, identifiers, bodies).
	Step string
	// Item is the partition or record the event is about.
	Item     string
	Attempts int
	Outcome  Outcome
	// Bytes is the size of a fetched body.
	Bytes int64
	// Count is the number of items a step starts with or finished successfully.
	Count int
	// Failed is the number of items a step finished with as failures.
	Failed int
	Dur    time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindStepStart, KindStepDone:
		if e.Step == "" {
			return errors.New("step events require a step")
		}
	case KindFetchDone:
		if e.Step == "" {
			return errors.New("fetch done requires a step")
		}
		if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
			return fmt.Errorf("fetch done requires an outcome, got %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
