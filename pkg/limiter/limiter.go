// Package limiter bounds how fast the pipeline opens requests against the
// DICOM sources and how many messages it works on at once.
package limiter

import (
	"context"
	"flag"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/uclh-foundry/pixl/pkg/util"
)

// Config holds the token bucket parameters for one source.
type Config struct {
	// Rate is the steady token refill in tokens per second. Zero pauses
	// acquisition until the rate is raised again.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Float64Var(&cfg.Rate, util.PrefixConfig(prefix, "rate"), 0.5, "Token refill rate per second for this source. 0 pauses consumption.")
	f.IntVar(&cfg.Burst, util.PrefixConfig(prefix, "burst"), 5, "Token bucket capacity for this source.")
}

// Bucket is a retunable token bucket. A zero rate parks every waiter until
// an operator raises the rate again, which is how consumption is paused
// without tearing the consumers down.
type Bucket struct {
	mtx    sync.Mutex
	lim    *rate.Limiter
	rate   float64
	burst  int
	resume chan struct{} // non-nil while paused
}

// NewBucket builds a bucket from config. Burst is clamped to at least 1 so
// a configured rate can ever be spent.
func NewBucket(cfg Config) *Bucket {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	b := &Bucket{
		lim:   rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		rate:  cfg.Rate,
		burst: burst,
	}
	if cfg.Rate <= 0 {
		b.resume = make(chan struct{})
	}
	return b
}

// Acquire blocks until a token is available or the context fires. While the
// bucket is paused no tokens are handed out, not even leftover burst.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mtx.Lock()
		resume := b.resume
		lim := b.lim
		b.mtx.Unlock()

		if resume == nil {
			return lim.Wait(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// SetRate retunes the bucket. Rate 0 pauses it; a positive rate resumes
// parked waiters. Burst 0 keeps the current capacity.
func (b *Bucket) SetRate(r float64, burst int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if burst > 0 {
		b.burst = burst
		b.lim.SetBurst(burst)
	}
	b.rate = r

	if r <= 0 {
		if b.resume == nil {
			b.resume = make(chan struct{})
		}
		return
	}
	b.lim.SetLimit(rate.Limit(r))
	if b.resume != nil {
		close(b.resume)
		b.resume = nil
	}
}

// Rate returns the configured refill rate, 0 when paused.
func (b *Bucket) Rate() float64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.resume != nil {
		return 0
	}
	return b.rate
}

// Burst returns the bucket capacity.
func (b *Bucket) Burst() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.burst
}

// Buckets indexes one bucket per source name.
type Buckets struct {
	mtx sync.RWMutex
	m   map[string]*Bucket
}

func NewBuckets() *Buckets {
	return &Buckets{m: make(map[string]*Bucket)}
}

func (bs *Buckets) Add(name string, cfg Config) *Bucket {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	b := NewBucket(cfg)
	bs.m[name] = b
	metricTokenRate.WithLabelValues(name).Set(cfg.Rate)
	return b
}

func (bs *Buckets) Get(name string) (*Bucket, bool) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	b, ok := bs.m[name]
	return b, ok
}

// SetRate retunes one source, or every source when name is empty.
func (bs *Buckets) SetRate(name string, r float64, burst int) error {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	if name == "" {
		for n, b := range bs.m {
			b.SetRate(r, burst)
			metricTokenRate.WithLabelValues(n).Set(r)
		}
		return nil
	}
	b, ok := bs.m[name]
	if !ok {
		return errors.Errorf("no token bucket for source %q", name)
	}
	b.SetRate(r, burst)
	metricTokenRate.WithLabelValues(name).Set(r)
	return nil
}

// RateInfo is one row of the bucket status listing.
type RateInfo struct {
	Source string  `json:"source"`
	Rate   float64 `json:"rate"`
	Burst  int     `json:"burst"`
}

// Snapshot lists every bucket sorted by source name.
func (bs *Buckets) Snapshot() []RateInfo {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	out := make([]RateInfo, 0, len(bs.m))
	for name, b := range bs.m {
		out = append(out, RateInfo{Source: name, Rate: b.Rate(), Burst: b.Burst()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
