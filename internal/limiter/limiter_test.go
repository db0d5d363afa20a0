package limiter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, -1} {
		_, err := New(n)
		require.ErrorIs(t, err, ErrInvalidCapacity)
	}
}

func TestAcquire_BoundsInFlight(t *testing.T) {
	t.Parallel()

	l, err := New(3)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		maxSeen atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Release()

			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, int(maxSeen.Load()), 3)
	require.LessOrEqual(t, l.Peak(), 3)
	require.Positive(t, l.Peak())
	require.Zero(t, l.InUse())
	require.Equal(t, 3, l.Capacity())
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()

	l, err := New(1)
	require.NoError(t, err)

	p, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, l.InUse())

	p.Release()
	p.Release()
	require.Zero(t, l.InUse())

	// A double release must not have minted an extra slot.
	first, err := l.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	first.Release()

	var nilPermit *Permit
	require.NotPanics(t, nilPermit.Release)
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	l, err := New(1)
	require.NoError(t, err)
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
	require.Equal(t, 1, l.InUse())
}

func TestWithMetrics_PublishesGauges(t *testing.T) {
	t.Parallel()

	l, err := New(4, WithMetrics("limiter_test"))
	require.NoError(t, err)

	p, err := l.Acquire(context.Background())
	require.NoError(t, err)

	expected := `
# HELP crawler_limiter_capacity Maximum permits a limiter can hand out.
# TYPE crawler_limiter_capacity gauge
crawler_limiter_capacity{limiter="limiter_test"} 4
`
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected), "crawler_limiter_capacity"))
	p.Release()
}
