// Package limiter provides the counting admission gate that bounds how many
// remote calls are in flight across a whole crawl run.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/namus-crawler/internal/metrics"
)

// DefaultCapacity is the number of permits handed out when none is configured.
const DefaultCapacity = 5

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("limiter capacity must be positive")

// Option customizes a Limiter.
type Option func(*Limiter)

// WithMetrics publishes in-use and capacity gauges under the given name.
func WithMetrics(name string) Option {
	return func(l *Limiter) {
		l.metricsName = name
	}
}

// Limiter hands out at most Capacity permits at once. Waiters are not
// guaranteed FIFO order.
type Limiter struct {
	sem         *semaphore.Weighted
	capacity    int
	inUse       atomic.Int64
	peak        atomic.Int64
	metricsName string
}

// New builds a Limiter with the given number of permits.
func New(capacity int, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	l := &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metricsName != "" {
		metrics.SetLimiterCapacity(l.metricsName, capacity)
		metrics.SetLimiterInUse(l.metricsName, 0)
	}
	return l, nil
}

// Acquire suspends until a permit is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	n := l.inUse.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	l.publish(n)
	return &Permit{limiter: l}, nil
}

// InUse reports the number of permits currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Peak reports the highest InUse value observed since construction.
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}

// Capacity reports the maximum number of permits.
func (l *Limiter) Capacity() int {
	return l.capacity
}

func (l *Limiter) release() {
	n := l.inUse.Add(-1)
	l.sem.Release(1)
	l.publish(n)
}

func (l *Limiter) publish(n int64) {
	if l.metricsName != "" {
		metrics.SetLimiterInUse(l.metricsName, int(n))
	}
}

// Permit is one admission slot. Release returns it; further calls do nothing.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the permit to its limiter. It is safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.limiter.release)
}
