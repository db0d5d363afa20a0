// Package stage runs one operation over a batch of items concurrently, one
// goroutine per item, with every call gated by a shared limiter. It always
// waits for every item and never aborts the batch because one item failed.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/namus-crawler/internal/limiter"
	"github.com/JakeFAU/namus-crawler/internal/progress"
)

var (
	// ErrNotStarted marks items that never acquired a permit because the
	// context ended first.
	ErrNotStarted = errors.New("stage: item not started")
	// ErrPanic marks items whose operation panicked.
	ErrPanic = errors.New("stage: operation panicked")
)

// Operation produces one output for one input.
type Operation[I, O any] func(ctx context.Context, item I) (O, error)

// Config controls one Run.
type Config[I, O any] struct {
	// Name labels logs and progress events for the step.
	Name string
	// Limiter gates every operation call. A private limiter with
	// limiter.DefaultCapacity permits is used when nil.
	Limiter *limiter.Limiter
	// Retry decides whether a failed attempt is repeated. Nil means one attempt.
	Retry  RetryPolicy
	Logger *zap.Logger
	// Emitter receives one FETCH_DONE event per item plus step start/done.
	Emitter progress.Emitter
	// Event is copied into every emitted event; RunID and Category belong here.
	Event progress.Event
	// Describe labels an item in events; fmt.Sprint is used when nil.
	Describe func(I) string
	// Size reports the byte size of a value for events.
	Size func(O) int64
}

// Success pairs an item with the value its operation produced.
type Success[I, O any] struct {
	Item     I
	Value    O
	Attempts int
}

// Failure pairs an item with the error that ended it.
type Failure[I any] struct {
	Item     I
	Err      error
	Attempts int
}

// Result holds every item of a Run exactly once, in input order within each slice.
type Result[I, O any] struct {
	Successes []Success[I, O]
	Failures  []Failure[I]
}

// Values returns the successful outputs in input order.
func (r Result[I, O]) Values() []O {
	out := make([]O, 0, len(r.Successes))
	for _, s := range r.Successes {
		out = append(out, s.Value)
	}
	return out
}

// Len is the number of items the Run was given.
func (r Result[I, O]) Len() int {
	return len(r.Successes) + len(r.Failures)
}

type outcome[O any] struct {
	value    O
	err      error
	attempts int
}

// Run applies op to every item and waits for all of them.
func Run[I, O any](ctx context.Context, cfg Config[I, O], items []I, op Operation[I, O]) Result[I, O] {
	cfg = withDefaults(cfg)
	logger := cfg.Logger.With(zap.String("step", cfg.Name))
	start := time.Now()

	cfg.emit(progress.Event{Kind: progress.KindStepStart, Count: len(items)})
	logger.Debug("step started", zap.Int("items", len(items)))

	outcomes := make([]outcome[O], len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			itemStart := time.Now()
			outcomes[i] = runItem(ctx, cfg, item, op)
			cfg.emitItem(item, outcomes[i], time.Since(itemStart))
			if err := outcomes[i].err; err != nil {
				logger.Debug("item failed",
					zap.String("item", cfg.Describe(item)),
					zap.Int("attempt", outcomes[i].attempts),
					zap.Error(err))
			}
			return nil
		})
	}
	// Workers always return nil; per-item errors live in outcomes.
	_ = g.Wait()

	var result Result[I, O]
	for i, item := range items {
		o := outcomes[i]
		if o.err != nil {
			result.Failures = append(result.Failures, Failure[I]{Item: item, Err: o.err, Attempts: o.attempts})
			continue
		}
		result.Successes = append(result.Successes, Success[I, O]{Item: item, Value: o.value, Attempts: o.attempts})
	}

	cfg.emit(progress.Event{
		Kind:   progress.KindStepDone,
		Count:  len(result.Successes),
		Failed: len(result.Failures),
		Dur:    time.Since(start),
	})
	logger.Info("step finished",
		zap.Int("succeeded", len(result.Successes)),
		zap.Int("failed", len(result.Failures)),
		zap.Duration("elapsed", time.Since(start)))
	return result
}

func withDefaults[I, O any](cfg Config[I, O]) Config[I, O] {
	if cfg.Name == "" {
		cfg.Name = "stage"
	}
	if cfg.Limiter == nil {
		// DefaultCapacity is positive, so New cannot fail here.
		cfg.Limiter, _ = limiter.New(limiter.DefaultCapacity)
	}
	if cfg.Retry == nil {
		cfg.Retry = NoRetry{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Describe == nil {
		cfg.Describe = func(item I) string { return fmt.Sprint(item) }
	}
	return cfg
}

func runItem[I, O any](ctx context.Context, cfg Config[I, O], item I, op Operation[I, O]) outcome[O] {
	for attempt := 1; ; attempt++ {
		value, err := attemptOnce(ctx, cfg.Limiter, item, op)
		if err == nil {
			return outcome[O]{value: value, attempts: attempt}
		}
		if errors.Is(err, ErrNotStarted) || !cfg.Retry.ShouldRetry(err, attempt) {
			return outcome[O]{err: err, attempts: attempt}
		}
		delay := cfg.Retry.Backoff(attempt)
		cfg.Logger.Debug("retrying item",
			zap.String("step", cfg.Name),
			zap.String("item", cfg.Describe(item)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return outcome[O]{err: err, attempts: attempt}
		}
	}
}

// attemptOnce holds a permit for exactly the duration of one op call.
func attemptOnce[I, O any](ctx context.Context, lim *limiter.Limiter, item I, op Operation[I, O]) (value O, err error) {
	permit, err := lim.Acquire(ctx)
	if err != nil {
		return value, fmt.Errorf("%w: %w", ErrNotStarted, err)
	}
	defer permit.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return op(ctx, item)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (cfg Config[I, O]) emit(evt progress.Event) {
	base := cfg.Event
	base.Kind = evt.Kind
	base.Step = cfg.Name
	base.Count = evt.Count
	base.Failed = evt.Failed
	base.Dur = evt.Dur
	base.TS = time.Now().UTC()
	cfg.Emitter.Emit(base)
}

func (cfg Config[I, O]) emitItem(item I, o outcome[O], dur time.Duration) {
	evt := cfg.Event
	evt.Kind = progress.KindFetchDone
	evt.Step = cfg.Name
	evt.Item = cfg.Describe(item)
	evt.Attempts = o.attempts
	evt.Dur = dur
	evt.TS = time.Now().UTC()
	if o.err != nil {
		evt.Outcome = progress.OutcomeFailure
		evt.Note = o.err.Error()
	} else {
		evt.Outcome = progress.OutcomeSuccess
		if cfg.Size != nil {
			evt.Bytes = cfg.Size(o.value)
		}
	}
	cfg.Emitter.Emit(evt)
}
