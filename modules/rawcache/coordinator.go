// Package rawcache coordinates the identifiable-study cache: it follows
// the store's change feed, answers "is this study complete and stable yet",
// repairs half-landed transfers and evicts cold studies when the cache
// outgrows its disk budget. Pinned studies are never evicted.
package rawcache

import (
	"context"
	"flag"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/util"
)

// ErrCacheUnstable reports a study that never settled within the stability
// window.
var ErrCacheUnstable = errors.New("study did not stabilise in the raw cache")

// Eviction starts when usage crosses this share of the configured ceiling.
const evictionWatermark = 0.9

var (
	metricBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "rawcache_bytes",
		Help:      "Bytes held by the raw cache at the last sweep.",
	})
	metricPinned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "rawcache_pinned_studies",
		Help:      "Studies currently pinned against eviction.",
	})
	metricEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "rawcache_evicted_total",
		Help:      "Studies evicted from the raw cache.",
	})
	metricEvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "rawcache_evicted_bytes_total",
		Help:      "Bytes reclaimed by eviction.",
	})
	metricRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "rawcache_repairs_total",
		Help:      "Incomplete transfers repaired by re-retrieving missing instances.",
	})
	metricChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "rawcache_changes_total",
		Help:      "Change feed entries seen, by kind.",
	}, []string{"kind"})
)

type Config struct {
	// PollInterval paces both the change feed and stability polls.
	PollInterval time.Duration `yaml:"poll_interval"`
	// StableTimeout bounds how long WaitForStudy watches one study.
	StableTimeout time.Duration `yaml:"stable_timeout"`
	// MaxStorageMB caps cache disk usage. Zero disables eviction.
	MaxStorageMB     int64         `yaml:"maximum_storage_size_mb"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	FeedBatch        int           `yaml:"feed_batch"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"), time.Second, "Change feed and stability poll interval.")
	f.DurationVar(&cfg.StableTimeout, util.PrefixConfig(prefix, "stable-timeout"), 10*time.Minute, "How long to wait for a study to stabilise.")
	f.Int64Var(&cfg.MaxStorageMB, util.PrefixConfig(prefix, "maximum-storage-size-mb"), 0, "Raw cache disk ceiling in MB. 0 disables eviction.")
	f.DurationVar(&cfg.EvictionInterval, util.PrefixConfig(prefix, "eviction-interval"), 30*time.Second, "Eviction sweep interval.")
	cfg.FeedBatch = 100
}

// Retriever is the slice of the source client the coordinator needs to
// repair an incomplete transfer.
type Retriever interface {
	FindInstances(ctx context.Context, studyUID string) ([]string, error)
	Retrieve(ctx context.Context, studyUID string, sopInstanceUIDs []string) error
}

// Observer is notified of raw cache change feed entries. Callbacks run on
// the feed goroutine and must not block.
type Observer interface {
	NewInstance(studyUID, sopInstanceUID string)
	StudyStable(studyUID string)
}

// Coordinator owns the raw cache's lifecycle concerns. It is a service:
// starting pings the store, running follows the change feed and sweeps for
// eviction.
type Coordinator struct {
	services.Service

	cfg    Config
	store  dicomstore.Store
	logger log.Logger

	mtx       sync.Mutex
	pins      map[string]int
	lastTouch map[string]time.Time
	observers []Observer

	cursor *atomic.Int64
}

func New(cfg Config, store dicomstore.Store, logger log.Logger) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		pins:      make(map[string]int),
		lastTouch: make(map[string]time.Time),
		cursor:    atomic.NewInt64(0),
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// Register adds a change feed observer. Call before the service starts.
func (c *Coordinator) Register(obs Observer) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.observers = append(c.observers, obs)
}

func (c *Coordinator) starting(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 10,
	})
	var lastErr error
	for boff.Ongoing() {
		lastErr = c.store.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		level.Warn(c.logger).Log("msg", "raw cache store not ready", "err", lastErr)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return errors.Wrap(lastErr, "waiting for raw cache store")
}

func (c *Coordinator) running(ctx context.Context) error {
	feed := time.NewTicker(c.cfg.PollInterval)
	defer feed.Stop()
	sweep := time.NewTicker(c.cfg.EvictionInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-feed.C:
			c.pollChanges(ctx)
		case <-sweep.C:
			c.evict(ctx)
		}
	}
}

func (c *Coordinator) stopping(_ error) error { return nil }

// Pin protects a study from eviction while a worker holds it. Pins nest.
func (c *Coordinator) Pin(studyUID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.pins[studyUID]++
	metricPinned.Set(float64(len(c.pins)))
}

// Unpin releases one pin on the study.
func (c *Coordinator) Unpin(studyUID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.pins[studyUID] <= 1 {
		delete(c.pins, studyUID)
	} else {
		c.pins[studyUID]--
	}
	metricPinned.Set(float64(len(c.pins)))
}

// Touch records a study access for eviction ordering.
func (c *Coordinator) Touch(studyUID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastTouch[studyUID] = time.Now()
}

// WaitForStudy blocks until the study is stable in the cache and, when the
// source advertised an instance count, holds at least that many instances.
// A stable-but-short study gets one repair pass: the missing SOP instance
// UIDs are fetched with a targeted retrieve. Returns ErrCacheUnstable when
// the stability window runs out.
func (c *Coordinator) WaitForStudy(ctx context.Context, src Retriever, studyUID string, advertised int) (dicomstore.StudyInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StableTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	repaired := false
	for {
		info, err := c.store.StudyInfo(ctx, studyUID)
		switch {
		case errors.Is(err, dicomstore.ErrNotFound):
			// Transfer has not landed anything yet.
		case err != nil:
			level.Warn(c.logger).Log("msg", "study info poll failed", "study", studyUID, "err", err)
		default:
			c.Touch(studyUID)
			if studyComplete(info, advertised) {
				return info, nil
			}
			if info.IsStable && advertised > 0 && info.Instances < advertised && !repaired {
				repaired = true
				if err := c.repair(ctx, src, studyUID); err != nil {
					level.Warn(c.logger).Log("msg", "repair failed", "study", studyUID, "err", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return dicomstore.StudyInfo{}, errors.Wrapf(ErrCacheUnstable, "study %s after %s", studyUID, c.cfg.StableTimeout)
		case <-ticker.C:
		}
	}
}

func studyComplete(info dicomstore.StudyInfo, advertised int) bool {
	if !info.IsStable {
		return false
	}
	return advertised <= 0 || info.Instances >= advertised
}

// repair issues one targeted retrieve for the SOP instance UIDs the source
// lists but the cache lacks.
func (c *Coordinator) repair(ctx context.Context, src Retriever, studyUID string) error {
	have, err := c.store.Instances(ctx, studyUID)
	if err != nil {
		return errors.Wrap(err, "listing cached instances")
	}
	cached := make(map[string]struct{}, len(have))
	for _, i := range have {
		cached[i.SOPInstanceUID] = struct{}{}
	}

	remote, err := src.FindInstances(ctx, studyUID)
	if err != nil {
		return errors.Wrap(err, "listing source instances")
	}
	var missing []string
	for _, sop := range remote {
		if _, ok := cached[sop]; !ok {
			missing = append(missing, sop)
		}
	}
	if len(missing) == 0 {
		// The source advertised more than it can name. Nothing to fetch.
		return nil
	}

	metricRepairs.Inc()
	level.Info(c.logger).Log("msg", "repairing incomplete study", "study", studyUID, "missing", len(missing))
	return src.Retrieve(ctx, studyUID, missing)
}

// pollChanges drains the change feed, updating touch times and fanning the
// entries out to observers.
func (c *Coordinator) pollChanges(ctx context.Context) {
	for {
		set, err := c.store.Changes(ctx, c.cursor.Load(), c.cfg.FeedBatch)
		if err != nil {
			level.Warn(c.logger).Log("msg", "change feed poll failed", "err", err)
			return
		}

		c.mtx.Lock()
		observers := make([]Observer, len(c.observers))
		copy(observers, c.observers)
		for _, ch := range set.Changes {
			c.lastTouch[ch.StudyUID] = time.Now()
		}
		c.mtx.Unlock()

		for _, ch := range set.Changes {
			metricChanges.WithLabelValues(string(ch.Kind)).Inc()
			for _, obs := range observers {
				switch ch.Kind {
				case dicomstore.ChangeNewInstance:
					obs.NewInstance(ch.StudyUID, ch.SOPInstanceUID)
				case dicomstore.ChangeStableStudy:
					obs.StudyStable(ch.StudyUID)
				}
			}
		}

		c.cursor.Store(set.Last)
		if set.Done || len(set.Changes) == 0 {
			return
		}
	}
}

// evict walks the cache when it crosses the watermark and deletes the
// least recently used unpinned studies until usage is back under it.
func (c *Coordinator) evict(ctx context.Context) {
	if c.cfg.MaxStorageMB <= 0 {
		return
	}
	watermark := int64(float64(c.cfg.MaxStorageMB<<20) * evictionWatermark)

	uids, err := c.store.Studies(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "eviction sweep failed", "err", err)
		return
	}

	type candidate struct {
		uid   string
		size  int64
		touch time.Time
	}
	var total int64
	var candidates []candidate

	c.mtx.Lock()
	pinned := make(map[string]struct{}, len(c.pins))
	for uid := range c.pins {
		pinned[uid] = struct{}{}
	}
	touches := make(map[string]time.Time, len(c.lastTouch))
	for uid, ts := range c.lastTouch {
		touches[uid] = ts
	}
	c.mtx.Unlock()

	for _, uid := range uids {
		info, err := c.store.StudyInfo(ctx, uid)
		if err != nil {
			continue
		}
		total += info.DiskSizeBytes
		if _, ok := pinned[uid]; ok {
			continue
		}
		touch := touches[uid]
		if touch.IsZero() {
			touch = info.LastUpdate
		}
		candidates = append(candidates, candidate{uid: uid, size: info.DiskSizeBytes, touch: touch})
	}
	metricBytes.Set(float64(total))

	if total <= watermark {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].touch.Before(candidates[j].touch) })

	var freed int64
	var evicted int
	for _, cand := range candidates {
		if total <= watermark {
			break
		}
		if err := c.store.DeleteStudy(ctx, cand.uid); err != nil {
			level.Warn(c.logger).Log("msg", "eviction delete failed", "study", cand.uid, "err", err)
			continue
		}
		total -= cand.size
		freed += cand.size
		evicted++
		metricEvicted.Inc()
		metricEvictedBytes.Add(float64(cand.size))

		c.mtx.Lock()
		delete(c.lastTouch, cand.uid)
		c.mtx.Unlock()
	}

	if evicted > 0 {
		metricBytes.Set(float64(total))
		level.Info(c.logger).Log("msg", "evicted cold studies", "studies", evicted, "freed", humanize.Bytes(uint64(freed)))
	}
}
