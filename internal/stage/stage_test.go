package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/namus-crawler/internal/limiter"
	"github.com/JakeFAU/namus-crawler/internal/progress"
)

func newLimiter(t *testing.T, n int) *limiter.Limiter {
	t.Helper()
	l, err := limiter.New(n)
	require.NoError(t, err)
	return l
}

func TestRun_PartitionsEveryItemExactlyOnce(t *testing.T) {
	t.Parallel()

	items := make([]int, 200)
	for i := range items {
		items[i] = i
	}
	op := func(_ context.Context, n int) (string, error) {
		if n%7 == 0 {
			return "", fmt.Errorf("item %d failed", n)
		}
		return fmt.Sprintf("v%d", n), nil
	}

	result := Run(context.Background(), Config[int, string]{Name: "test", Limiter: newLimiter(t, 4)}, items, op)

	require.Equal(t, len(items), result.Len())
	seen := make(map[int]int)
	for _, s := range result.Successes {
		seen[s.Item]++
		require.Equal(t, fmt.Sprintf("v%d", s.Item), s.Value)
		require.Equal(t, 1, s.Attempts)
	}
	for _, f := range result.Failures {
		seen[f.Item]++
		require.Zero(t, f.Item%7)
		require.Error(t, f.Err)
	}
	require.Len(t, seen, len(items))
	for item, count := range seen {
		require.Equal(t, 1, count, "item %d", item)
	}
}

func TestRun_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	items := []int{5, 4, 3, 2, 1}
	op := func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10, nil
	}

	result := Run(context.Background(), Config[int, int]{Limiter: newLimiter(t, 5)}, items, op)
	require.Equal(t, []int{50, 40, 30, 20, 10}, result.Values())
	require.Empty(t, result.Failures)
}

func TestRun_NeverExceedsLimiter(t *testing.T) {
	t.Parallel()

	lim := newLimiter(t, 3)
	var (
		current atomic.Int32
		maxSeen atomic.Int32
		overCap atomic.Int32
	)
	op := func(_ context.Context, _ int) (struct{}, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		if lim.InUse() > 3 {
			overCap.Add(1)
		}
		time.Sleep(time.Millisecond)
		return struct{}{}, nil
	}

	result := Run(context.Background(), Config[int, struct{}]{Limiter: lim}, make([]int, 100), op)
	require.Len(t, result.Successes, 100)
	require.LessOrEqual(t, int(maxSeen.Load()), 3)
	require.Zero(t, overCap.Load())
	require.LessOrEqual(t, lim.Peak(), 3)
	require.Zero(t, lim.InUse())
}

func TestRun_OperationOnlyRunsWhileHoldingPermit(t *testing.T) {
	t.Parallel()

	lim := newLimiter(t, 2)
	op := func(_ context.Context, _ int) (int, error) {
		if lim.InUse() < 1 {
			return 0, errors.New("called without a permit")
		}
		return 1, nil
	}
	result := Run(context.Background(), Config[int, int]{Limiter: lim}, make([]int, 20), op)
	require.Empty(t, result.Failures)
}

func TestRun_EmptyInput(t *testing.T) {
	t.Parallel()

	called := false
	result := Run(context.Background(), Config[int, int]{}, nil, func(context.Context, int) (int, error) {
		called = true
		return 0, nil
	})
	require.False(t, called)
	require.Zero(t, result.Len())
	require.Empty(t, result.Values())
}

func TestRun_PanicBecomesFailureAndReleasesPermit(t *testing.T) {
	t.Parallel()

	lim := newLimiter(t, 1)
	op := func(_ context.Context, n int) (int, error) {
		if n == 2 {
			panic("kaboom")
		}
		return n, nil
	}

	result := Run(context.Background(), Config[int, int]{Limiter: lim}, []int{1, 2, 3}, op)
	require.Equal(t, []int{1, 3}, result.Values())
	require.Len(t, result.Failures, 1)
	require.Equal(t, 2, result.Failures[0].Item)
	require.ErrorIs(t, result.Failures[0].Err, ErrPanic)
	require.Contains(t, result.Failures[0].Err.Error(), "kaboom")
	require.Zero(t, lim.InUse())
}

func TestRun_CancelledContextAccountsForEveryItem(t *testing.T) {
	t.Parallel()

	lim := newLimiter(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once

	op := func(ctx context.Context, _ int) (int, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return 0, ctx.Err()
	}

	done := make(chan Result[int, int], 1)
	go func() {
		done <- Run(ctx, Config[int, int]{Limiter: lim}, []int{1, 2, 3, 4, 5}, op)
	}()
	<-started
	cancel()

	var result Result[int, int]
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	require.Equal(t, 5, result.Len())
	require.Empty(t, result.Successes)

	notStarted := 0
	for _, f := range result.Failures {
		require.ErrorIs(t, f.Err, context.Canceled)
		if errors.Is(f.Err, ErrNotStarted) {
			notStarted++
		}
	}
	require.GreaterOrEqual(t, notStarted, 1)
	require.Zero(t, lim.InUse())
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	op := func(_ context.Context, _ string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}
	policy := NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond, nil)

	result := Run(context.Background(), Config[string, string]{Retry: policy}, []string{"a"}, op)
	require.Len(t, result.Successes, 1)
	require.Equal(t, 3, result.Successes[0].Attempts)
	require.Equal(t, int32(3), calls.Load())
}

func TestRun_RetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	op := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", errors.New("still broken")
	}
	policy := NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond, nil)

	result := Run(context.Background(), Config[string, string]{Retry: policy}, []string{"a"}, op)
	require.Len(t, result.Failures, 1)
	require.Equal(t, 2, result.Failures[0].Attempts)
	require.EqualError(t, result.Failures[0].Err, "still broken")
	require.Equal(t, int32(2), calls.Load())
}

func TestRun_PermitNotHeldDuringBackoff(t *testing.T) {
	t.Parallel()

	lim := newLimiter(t, 1)
	var calls atomic.Int32
	op := func(_ context.Context, item string) (string, error) {
		if item == "flaky" && calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return item, nil
	}
	// The backoff is long enough that "steady" can only finish inside it if
	// the permit was given back.
	policy := NewExponentialRetryPolicy(2, 400*time.Millisecond, 400*time.Millisecond, nil)

	var steadyDone atomic.Int64
	var flakyDone atomic.Int64
	emitter := emitterFunc(func(evt progress.Event) {
		if evt.Kind != progress.KindFetchDone {
			return
		}
		switch evt.Item {
		case "steady":
			steadyDone.Store(time.Now().UnixNano())
		case "flaky":
			flakyDone.Store(time.Now().UnixNano())
		}
	})

	result := Run(context.Background(), Config[string, string]{
		Limiter: lim,
		Retry:   policy,
		Emitter: emitter,
		Event:   progress.Event{RunID: uuid.New()},
	}, []string{"flaky", "steady"}, op)
	require.Empty(t, result.Failures)
	require.Less(t, steadyDone.Load(), flakyDone.Load())
}

func TestRun_EmitsEvents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []progress.Event
	)
	emitter := emitterFunc(func(evt progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})
	runID := uuid.New()

	Run(context.Background(), Config[int, []byte]{
		Name:    "bodies",
		Emitter: emitter,
		Event:   progress.Event{RunID: runID, Category: "missing"},
		Size:    func(b []byte) int64 { return int64(len(b)) },
	}, []int{1, 2}, func(_ context.Context, n int) ([]byte, error) {
		if n == 2 {
			return nil, errors.New("nope")
		}
		return []byte("abcd"), nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	require.Equal(t, progress.KindStepStart, events[0].Kind)
	require.Equal(t, 2, events[0].Count)
	require.Equal(t, progress.KindStepDone, events[3].Kind)
	require.Equal(t, 1, events[3].Count)
	require.Equal(t, 1, events[3].Failed)

	byItem := map[string]progress.Event{}
	for _, evt := range events[1:3] {
		require.Equal(t, progress.KindFetchDone, evt.Kind)
		require.Equal(t, runID, evt.RunID)
		require.Equal(t, "missing", evt.Category)
		require.Equal(t, "bodies", evt.Step)
		require.NoError(t, evt.Validate())
		byItem[evt.Item] = evt
	}
	require.Equal(t, progress.OutcomeSuccess, byItem["1"].Outcome)
	require.Equal(t, int64(4), byItem["1"].Bytes)
	require.Equal(t, progress.OutcomeFailure, byItem["2"].Outcome)
	require.Equal(t, "nope", byItem["2"].Note)
}

type emitterFunc func(progress.Event)

func (f emitterFunc) Emit(evt progress.Event) { f(evt) }
