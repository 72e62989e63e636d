// Package scheduler drives each extract request end to end: dedupe against
// the export ledger, resolve the project, query and retrieve from a source
// archive, wait for the raw cache to settle, anonymise, stage and export.
// Workers are bounded by a global in-flight ceiling and per-source token
// buckets govern how fast requests hit the archives.
package scheduler

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uclh-foundry/pixl/modules/exporter"
	"github.com/uclh-foundry/pixl/modules/ledger"
	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/modules/rawcache"
	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/limiter"
	"github.com/uclh-foundry/pixl/pkg/util"
)

var (
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "scheduler_messages_total",
		Help:      "Messages settled by queue and outcome.",
	}, []string{"queue", "outcome"})
	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixl",
		Name:      "scheduler_message_duration_seconds",
		Help:      "End-to-end message processing time by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"outcome"})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "scheduler_messages_in_flight",
		Help:      "Messages currently being processed.",
	})
)

type Config struct {
	MaxMessagesInFlight int           `yaml:"max_messages_in_flight"`
	DrainGrace          time.Duration `yaml:"drain_grace"`

	PrimaryRate   limiter.Config `yaml:"primary_rate"`
	SecondaryRate limiter.Config `yaml:"secondary_rate"`

	ExportRetries int            `yaml:"export_retries"`
	ExportBackoff backoff.Config `yaml:"export_backoff"`

	// StudyTimeOffsetDays fixes the anonymiser's date shift for every
	// study. Reproducible extracts set this through STUDY_TIME_OFFSET.
	StudyTimeOffsetDays *int `yaml:"study_time_offset_days,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxMessagesInFlight, util.PrefixConfig(prefix, "max-messages-in-flight"), 10, "Ceiling on concurrently processed messages. Also sets broker prefetch.")
	f.DurationVar(&cfg.DrainGrace, util.PrefixConfig(prefix, "drain-grace"), 30*time.Second, "How long shutdown waits for in-flight messages before cancelling them.")
	cfg.PrimaryRate.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "primary"), f)
	cfg.SecondaryRate.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "secondary"), f)
	cfg.ExportRetries = 3
	cfg.ExportBackoff = backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Consumer hands out deliveries from one broker queue.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan queue.Delivery, error)
}

// ProjectStore resolves a slug to its immutable project configuration.
type ProjectStore interface {
	Get(slug string) (*projects.ProjectConfig, error)
}

// ExportLedger is the slice of the ledger the pipeline reads and writes.
type ExportLedger interface {
	Get(ctx context.Context, project, sourceKey string) (ledger.Record, bool, error)
	Ensure(ctx context.Context, project, sourceKey string) (ledger.Record, error)
	Transition(ctx context.Context, project, sourceKey string, from, to ledger.State, errMsg string) error
	SetAnonIDs(ctx context.Context, project, sourceKey, anonStudyUID, pseudoPatientID string) error
}

// Source is one archive: study-level query plus retrieve into the raw
// cache. The same surface serves the cache's repair pass.
type Source interface {
	Name() string
	FindStudies(ctx context.Context, q dicomstore.Query) ([]dicomstore.StudyMatch, error)
	FindInstances(ctx context.Context, studyUID string) ([]string, error)
	Retrieve(ctx context.Context, studyUID string, sopInstanceUIDs []string) error
}

// Cache is the raw cache coordinator surface the pipeline drives.
type Cache interface {
	Pin(studyUID string)
	Unpin(studyUID string)
	WaitForStudy(ctx context.Context, src rawcache.Retriever, studyUID string, advertised int) (dicomstore.StudyInfo, error)
}

// RawReader reads landed instances back out of the raw store.
type RawReader interface {
	Instances(ctx context.Context, studyUID string) ([]dicomstore.InstanceInfo, error)
	InstanceData(ctx context.Context, sopInstanceUID string) ([]byte, error)
}

// Staging holds anonymised studies between anonymisation and export.
type Staging interface {
	Upload(ctx context.Context, dicomBytes []byte) error
	DeleteStudy(ctx context.Context, studyUID string) error
}

// Exporter ships an anonymised study to the project's destination.
type Exporter interface {
	ExportStudy(ctx context.Context, project *projects.ProjectConfig, study *exporter.StudyExport) (*exporter.Receipt, error)
}

// Salts resolves the per-project hashing salt by key vault alias.
type Salts interface {
	Salt(ctx context.Context, alias string) ([]byte, error)
}

// Deps collects the modules the scheduler drives. Everything is an
// interface so pipeline tests run against fakes, without a broker or a
// database.
type Deps struct {
	Consumer  Consumer
	Projects  ProjectStore
	Ledger    ExportLedger
	Primary   Source
	Secondary Source
	Cache     Cache
	Raw       RawReader
	Staging   Staging
	Exporter  Exporter
	Salts     Salts
}

// Scheduler consumes both imaging queues and runs one worker per message
// up to the in-flight ceiling.
type Scheduler struct {
	services.Service

	cfg    Config
	deps   Deps
	logger log.Logger

	buckets         *limiter.Buckets
	primaryBucket   *limiter.Bucket
	secondaryBucket *limiter.Bucket
	inFlight        *limiter.InFlight

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps, logger log.Logger) (*Scheduler, error) {
	if cfg.MaxMessagesInFlight <= 0 {
		return nil, errors.New("max_messages_in_flight must be positive")
	}
	s := &Scheduler{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		buckets:  limiter.NewBuckets(),
		inFlight: limiter.NewInFlight(cfg.MaxMessagesInFlight),
	}
	s.primaryBucket = s.buckets.Add(deps.Primary.Name(), cfg.PrimaryRate)
	s.secondaryBucket = s.buckets.Add(deps.Secondary.Name(), cfg.SecondaryRate)
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s, nil
}

// Buckets exposes the per-source token buckets for runtime rate updates.
func (s *Scheduler) Buckets() *limiter.Buckets { return s.buckets }

// InFlight exposes the in-flight gauge for status reporting.
func (s *Scheduler) InFlight() *limiter.InFlight { return s.inFlight }

func (s *Scheduler) running(ctx context.Context) error {
	// Workers outlive the running context so shutdown can drain them;
	// drain cancels workCtx once the grace window expires.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	primary, err := s.deps.Consumer.Consume(ctx, queue.Primary)
	if err != nil {
		return errors.Wrap(err, "consuming primary queue")
	}
	secondary, err := s.deps.Consumer.Consume(ctx, queue.Secondary)
	if err != nil {
		return errors.Wrap(err, "consuming secondary queue")
	}

	level.Info(s.logger).Log("msg", "scheduler up",
		"max_in_flight", s.cfg.MaxMessagesInFlight,
		"primary_rate", s.primaryBucket.Rate(),
		"secondary_rate", s.secondaryBucket.Rate())

	for {
		var (
			d  queue.Delivery
			ok bool
		)
		select {
		case <-ctx.Done():
			return s.drain(cancelWork)
		case d, ok = <-primary:
		case d, ok = <-secondary:
		}
		if !ok {
			if ctx.Err() != nil {
				return s.drain(cancelWork)
			}
			return errors.New("broker consumer closed")
		}

		release, err := s.inFlight.Acquire(ctx)
		if err != nil {
			// Shutting down; leave the message unacked for redelivery.
			settle(s.logger, "requeue", d.Requeue)
			return s.drain(cancelWork)
		}
		s.wg.Add(1)
		go func(d queue.Delivery) {
			defer s.wg.Done()
			defer release()
			s.process(workCtx, d)
		}(d)
	}
}

// drain waits for in-flight workers up to the grace window, then cancels
// them so they requeue whatever they were holding.
func (s *Scheduler) drain(cancelWork context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		level.Warn(s.logger).Log("msg", "drain grace expired, cancelling in-flight messages")
		cancelWork()
		<-done
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, d queue.Delivery) {
	metricInFlight.Inc()
	defer metricInFlight.Dec()

	start := time.Now()
	outcome := s.handle(ctx, d)
	metricMessages.WithLabelValues(d.Queue, outcome).Inc()
	metricDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func settle(logger log.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		level.Warn(logger).Log("msg", "settlement failed, broker will redeliver", "settle", what, "err", err)
	}
}
