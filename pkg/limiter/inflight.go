package limiter

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// InFlight enforces the process-wide ceiling on concurrently processed
// messages. Broker prefetch is configured to the same value so that
// back-pressure reaches the broker instead of queueing deliveries in
// memory.
type InFlight struct {
	sem     *semaphore.Weighted
	current *atomic.Int64
	limit   int64
}

// NewInFlight builds the ceiling. Limits below 1 are clamped to 1.
func NewInFlight(limit int) *InFlight {
	if limit < 1 {
		limit = 1
	}
	return &InFlight{
		sem:     semaphore.NewWeighted(int64(limit)),
		current: atomic.NewInt64(0),
		limit:   int64(limit),
	}
}

// Acquire blocks until a slot frees up or the context fires. The returned
// release function is idempotent.
func (f *InFlight) Acquire(ctx context.Context) (func(), error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metricInFlight.Set(float64(f.current.Inc()))

	released := atomic.NewBool(false)
	return func() {
		if released.CompareAndSwap(false, true) {
			metricInFlight.Set(float64(f.current.Dec()))
			f.sem.Release(1)
		}
	}, nil
}

// TryAcquire grabs a slot without blocking.
func (f *InFlight) TryAcquire() (func(), bool) {
	if !f.sem.TryAcquire(1) {
		return nil, false
	}
	metricInFlight.Set(float64(f.current.Inc()))

	released := atomic.NewBool(false)
	return func() {
		if released.CompareAndSwap(false, true) {
			metricInFlight.Set(float64(f.current.Dec()))
			f.sem.Release(1)
		}
	}, true
}

// Current returns how many slots are held right now.
func (f *InFlight) Current() int64 { return f.current.Load() }

// Limit returns the configured ceiling.
func (f *InFlight) Limit() int64 { return f.limit }
