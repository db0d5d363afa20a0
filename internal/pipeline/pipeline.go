// Package pipeline sequences a crawl run: discover partitions, expand each
// partition into record identifiers, then fetch every record body. One
// limiter is shared by every remote call of the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/limiter"
	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/progress"
	"github.com/JakeFAU/namus-crawler/internal/stage"
)

// Step names used in logs and progress events.
const (
	StepDiscover    = "discover"
	StepIdentifiers = "identifiers"
	StepBodies      = "bodies"
)

var (
	// ErrDiscovery wraps the failure that ends a run before any stage starts.
	ErrDiscovery = errors.New("partition discovery failed")
	// ErrAlreadyRunning is returned when Run is called while a run is in progress.
	ErrAlreadyRunning = errors.New("a run is already in progress")
)

// Client is the remote surface the pipeline drives. *namus.Client satisfies it.
type Client interface {
	ListPartitions(ctx context.Context) ([]namus.Partition, error)
	SearchPartition(ctx context.Context, partition namus.Partition, category namus.Category) ([]namus.RecordID, error)
	GetRecord(ctx context.Context, id namus.RecordID, category namus.Category) (namus.RecordBody, error)
}

// Config controls a run.
type Config struct {
	Category       namus.Category
	MaxConcurrency int
	// Retry applies to both stages; nil means a single attempt per item.
	Retry stage.RetryPolicy
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmitter sets where progress events go.
func WithEmitter(emitter progress.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithLimiterMetrics publishes the per-run limiter gauges under name.
func WithLimiterMetrics(name string) Option {
	return func(o *Orchestrator) {
		o.limiterMetrics = name
	}
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	client         Client
	cfg            Config
	logger         *zap.Logger
	emitter        progress.Emitter
	limiterMetrics string
	now            func() time.Time

	mu      sync.Mutex
	running bool
	status  Status
	limiter *limiter.Limiter
}

// New validates cfg and builds an Orchestrator.
func New(client Client, cfg Config, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("pipeline: client is required")
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = limiter.DefaultCapacity
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("pipeline: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("pipeline: unknown category %d", int(cfg.Category))
	}
	o := &Orchestrator{
		client:  client,
		cfg:     cfg,
		logger:  zap.NewNop(),
		emitter: progress.Discard,
		now:     time.Now,
		status:  Status{State: StateIdle, Category: cfg.Category.Slug()},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("pipeline")
	return o, nil
}

// Run executes one crawl. Only a discovery failure returns an error; item
// failures are reported in the Output.
func (o *Orchestrator) Run(ctx context.Context) (Output, error) {
	lim, err := limiter.New(o.cfg.MaxConcurrency, limiterOptions(o.limiterMetrics)...)
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: %w", err)
	}
	runID, err := uuid.NewV7()
	if err != nil {
		return Output{}, fmt.Errorf("pipeline: run id: %w", err)
	}
	started := o.now().UTC()
	if err := o.begin(runID, started, lim); err != nil {
		return Output{}, err
	}
	defer o.end()

	category := o.cfg.Category
	logger := o.logger.With(zap.String("run_id", runID.String()), zap.String("category", category.Slug()))
	base := progress.Event{RunID: runID, Category: category.Slug()}
	o.emit(base, progress.Event{Kind: progress.KindRunStart})
	logger.Info("crawl started", zap.Int("max_concurrency", lim.Capacity()))

	out := Output{RunID: runID, Category: category, StartedAt: started}

	partitions, err := o.discover(ctx, lim)
	if err != nil {
		o.update(func(s *Status) {
			s.State = StateFailed
			s.FinishedAt = o.now().UTC()
		})
		o.emit(base, progress.Event{Kind: progress.KindRunError, Dur: o.now().UTC().Sub(started), Note: err.Error()})
		logger.Error("discovery failed", zap.Error(err))
		return Output{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	out.Partitions = partitions
	o.update(func(s *Status) { s.Partitions = len(partitions) })
	logger.Info("partitions discovered", zap.Int("partitions", len(partitions)))

	o.setState(StateCollectingIdentifiers)
	search := stage.Run(ctx, stage.Config[namus.Partition, []namus.RecordID]{
		Name:     StepIdentifiers,
		Limiter:  lim,
		Retry:    o.cfg.Retry,
		Logger:   o.logger,
		Emitter:  o.emitter,
		Event:    base,
		Describe: func(p namus.Partition) string { return string(p) },
		Size:     func(ids []namus.RecordID) int64 { return int64(len(ids)) },
	}, partitions, func(ctx context.Context, p namus.Partition) ([]namus.RecordID, error) {
		return o.client.SearchPartition(ctx, p, category)
	})

	var ids []namus.RecordID
	for _, batch := range search.Values() {
		ids = append(ids, batch...)
	}
	for _, f := range search.Failures {
		out.FailedPartitions = append(out.FailedPartitions, PartitionFailure{Partition: f.Item, Err: f.Err})
	}
	out.Identifiers = len(ids)
	o.update(func(s *Status) {
		s.FailedPartitions = len(out.FailedPartitions)
		s.Identifiers = len(ids)
	})

	o.setState(StateCollectingBodies)
	bodies := stage.Run(ctx, stage.Config[namus.RecordID, namus.RecordBody]{
		Name:     StepBodies,
		Limiter:  lim,
		Retry:    o.cfg.Retry,
		Logger:   o.logger,
		Emitter:  o.emitter,
		Event:    base,
		Describe: namus.RecordID.String,
		Size:     func(b namus.RecordBody) int64 { return int64(len(b)) },
	}, ids, func(ctx context.Context, id namus.RecordID) (namus.RecordBody, error) {
		return o.client.GetRecord(ctx, id, category)
	})

	for _, s := range bodies.Successes {
		out.Records = append(out.Records, Record{ID: s.Item, Body: s.Value})
	}
	for _, f := range bodies.Failures {
		out.FailedRecords = append(out.FailedRecords, RecordFailure{ID: f.Item, Err: f.Err})
	}
	out.FinishedAt = o.now().UTC()
	out.PeakConcurrency = lim.Peak()

	o.update(func(s *Status) {
		s.Records = len(out.Records)
		s.FailedRecords = len(out.FailedRecords)
		s.FinishedAt = out.FinishedAt
	})
	o.setState(StateDone)
	o.emit(base, progress.Event{
		Kind:   progress.KindRunDone,
		Count:  len(out.Records),
		Failed: len(out.FailedRecords) + len(out.FailedPartitions),
		Dur:    out.FinishedAt.Sub(started),
	})
	logger.Info("crawl finished",
		zap.Int("partitions", len(out.Partitions)),
		zap.Int("failed_partitions", len(out.FailedPartitions)),
		zap.Int("identifiers", out.Identifiers),
		zap.Int("records", len(out.Records)),
		zap.Int("failed_records", len(out.FailedRecords)),
		zap.Int("peak_concurrency", out.PeakConcurrency),
		zap.Duration("elapsed", out.FinishedAt.Sub(started)))
	return out, nil
}

func (o *Orchestrator) discover(ctx context.Context, lim *limiter.Limiter) ([]namus.Partition, error) {
	permit, err := lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	return o.client.ListPartitions(ctx)
}

func (o *Orchestrator) emit(base, evt progress.Event) {
	base.Kind = evt.Kind
	base.Count = evt.Count
	base.Failed = evt.Failed
	base.Dur = evt.Dur
	base.Note = evt.Note
	base.TS = o.now().UTC()
	o.emitter.Emit(base)
}

func limiterOptions(name string) []limiter.Option {
	if name == "" {
		return nil
	}
	return []limiter.Option{limiter.WithMetrics(name)}
}
