package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBucketSpacesAcquisitions(t *testing.T) {
	b := NewBucket(Config{Rate: 100, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	// burst of 1 forces ~10ms spacing for the three follow-ups
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestBucketPauseAndResume(t *testing.T) {
	b := NewBucket(Config{Rate: 0, Burst: 5})
	assert.Equal(t, float64(0), b.Rate())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		acquired <- b.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	b.SetRate(100, 0)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released after resume")
	}
	assert.Equal(t, float64(100), b.Rate())
}

func TestBucketRepause(t *testing.T) {
	b := NewBucket(Config{Rate: 100, Burst: 1})
	b.SetRate(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Acquire(ctx))
}

func TestBucketsSetRate(t *testing.T) {
	bs := NewBuckets()
	bs.Add("primary", Config{Rate: 1, Burst: 1})
	bs.Add("secondary", Config{Rate: 2, Burst: 2})

	require.NoError(t, bs.SetRate("primary", 9, 3))
	p, ok := bs.Get("primary")
	require.True(t, ok)
	assert.Equal(t, float64(9), p.Rate())
	assert.Equal(t, 3, p.Burst())

	require.NoError(t, bs.SetRate("", 0, 0))
	snap := bs.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "primary", snap[0].Source)
	assert.Equal(t, float64(0), snap[0].Rate)
	assert.Equal(t, float64(0), snap[1].Rate)

	assert.Error(t, bs.SetRate("missing", 1, 1))
}

func TestInFlightCeiling(t *testing.T) {
	const limit = 4
	f := NewInFlight(limit)

	var (
		wg      sync.WaitGroup
		active  = atomic.NewInt64(0)
		maxSeen = atomic.NewInt64(0)
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := f.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			cur := active.Inc()
			for {
				max := maxSeen.Load()
				if cur <= max || maxSeen.CompareAndSwap(max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Dec()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(limit))
	assert.Equal(t, int64(0), f.Current())
}

func TestInFlightReleaseIdempotent(t *testing.T) {
	f := NewInFlight(1)

	release, err := f.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release() // second call must not double-release

	_, ok := f.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, int64(1), f.Current())
}

func TestInFlightTryAcquire(t *testing.T) {
	f := NewInFlight(1)

	release, ok := f.TryAcquire()
	require.True(t, ok)

	_, ok = f.TryAcquire()
	assert.False(t, ok)

	release()
	_, ok = f.TryAcquire()
	assert.True(t, ok)
}
