package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/namus-crawler/internal/limiter"
)

// State is where a run is in its lifecycle.
type State string

// Run states in order.
const (
	StateIdle                  State = "idle"
	StateDiscovering           State = "discovering"
	StateCollectingIdentifiers State = "collecting_identifiers"
	StateCollectingBodies      State = "collecting_bodies"
	StateDone                  State = "done"
	StateFailed                State = "failed"
)

// Status is a point-in-time view of the current or most recent run.
type Status struct {
	RunID            uuid.UUID `json:"run_id"`
	Category         string    `json:"category"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Partitions       int       `json:"partitions"`
	FailedPartitions int       `json:"failed_partitions"`
	Identifiers      int       `json:"identifiers"`
	Records          int       `json:"records"`
	FailedRecords    int       `json:"failed_records"`
	InUse            int       `json:"in_use"`
	Peak             int       `json:"peak"`
	Capacity         int       `json:"capacity"`
}

// Status reports the current run, or the last one if none is active.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	if o.limiter != nil {
		s.InUse = o.limiter.InUse()
		s.Peak = o.limiter.Peak()
		s.Capacity = o.limiter.Capacity()
	} else {
		s.Capacity = o.cfg.MaxConcurrency
	}
	return s
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) begin(runID uuid.UUID, started time.Time, lim *limiter.Limiter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	o.running = true
	o.limiter = lim
	o.status = Status{
		RunID:     runID,
		Category:  o.cfg.Category.Slug(),
		State:     StateDiscovering,
		StartedAt: started,
	}
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) setState(state State) {
	o.update(func(s *Status) { s.State = state })
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
}
