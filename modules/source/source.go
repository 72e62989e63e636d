// Package source wraps the DIMSE proxy as per-archive clients: C-ECHO,
// C-FIND and C-MOVE against one named modality, with timeouts, query
// retries and a circuit breaker per source.
package source

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/util"
)

var (
	// ErrNotFound reports that the source holds no matching study.
	ErrNotFound = errors.New("study not found at source")
	// ErrUnavailable reports that the source's circuit is open and the
	// request failed fast without touching the wire.
	ErrUnavailable = errors.New("source unavailable")
	// ErrTransferTimeout reports a C-MOVE that outlived its deadline.
	ErrTransferTimeout = errors.New("transfer timed out")
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "source_requests_total",
		Help:      "DIMSE requests by source, operation and outcome.",
	}, []string{"source", "operation", "status"})
	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixl",
		Name:      "source_request_duration_seconds",
		Help:      "DIMSE request latency by source and operation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"source", "operation"})
	metricBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "source_breaker_open",
		Help:      "1 while a source's circuit breaker is open.",
	}, []string{"source"})
)

type Config struct {
	PrimaryModality   string        `yaml:"primary_modality"`
	SecondaryModality string        `yaml:"secondary_modality"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	TransferTimeout   time.Duration `yaml:"transfer_timeout"`
	QueryRetries      int           `yaml:"query_retries"`
	QueryBackoff      backoff.Config `yaml:"query_backoff"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.PrimaryModality, util.PrefixConfig(prefix, "primary-modality"), "primary", "Modality alias of the primary archive.")
	f.StringVar(&cfg.SecondaryModality, util.PrefixConfig(prefix, "secondary-modality"), "secondary", "Modality alias of the secondary archive.")
	f.DurationVar(&cfg.QueryTimeout, util.PrefixConfig(prefix, "query-timeout"), 30*time.Second, "Per-attempt C-FIND deadline.")
	f.DurationVar(&cfg.TransferTimeout, util.PrefixConfig(prefix, "transfer-timeout"), 10*time.Minute, "C-MOVE deadline.")
	f.IntVar(&cfg.QueryRetries, util.PrefixConfig(prefix, "query-retries"), 3, "C-FIND attempts before giving up.")
	cfg.QueryBackoff = backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
	cfg.BreakerFailures = 5
	cfg.BreakerCooldown = time.Minute
}

// Client issues DIMSE operations against one named source archive.
type Client struct {
	name    string
	proxy   dicomstore.Proxy
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

func New(name string, proxy dicomstore.Proxy, cfg Config, logger log.Logger) *Client {
	logger = log.With(logger, "source", name)
	return &Client{
		name:   name,
		proxy:  proxy,
		cfg:    cfg,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				// The caller walking away is not the source's fault.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				open := 0.0
				if to == gobreaker.StateOpen {
					open = 1
				}
				metricBreakerOpen.WithLabelValues(name).Set(open)
				level.Warn(logger).Log("msg", "source breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Pair bundles the two archives every deployment has.
type Pair struct {
	Primary   *Client
	Secondary *Client
}

func NewPair(cfg Config, proxy dicomstore.Proxy, logger log.Logger) Pair {
	return Pair{
		Primary:   New(cfg.PrimaryModality, proxy, cfg, logger),
		Secondary: New(cfg.SecondaryModality, proxy, cfg, logger),
	}
}

func (c *Client) Name() string { return c.name }

// Echo verifies the source answers C-ECHO. Single attempt; callers poll.
func (c *Client) Echo(ctx context.Context) error {
	return c.execute(ctx, "echo", c.cfg.QueryTimeout, func(ctx context.Context) error {
		return c.proxy.Echo(ctx, c.name)
	})
}

// FindStudies runs a study-level C-FIND. Misses return ErrNotFound;
// transport failures are retried with jittered backoff up to the configured
// attempt budget.
func (c *Client) FindStudies(ctx context.Context, q dicomstore.Query) ([]dicomstore.StudyMatch, error) {
	var matches []dicomstore.StudyMatch
	err := c.retry(ctx, "query-studies", func(ctx context.Context) error {
		var err error
		matches, err = c.proxy.QueryRemote(ctx, c.name, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "source %s", c.name)
	}
	return matches, nil
}

// FindInstances runs an instance-level C-FIND listing a study's SOP
// instance UIDs at the source.
func (c *Client) FindInstances(ctx context.Context, studyUID string) ([]string, error) {
	var sops []string
	err := c.retry(ctx, "query-instances", func(ctx context.Context) error {
		var err error
		sops, err = c.proxy.QueryRemoteInstances(ctx, c.name, studyUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sops, nil
}

// Retrieve issues a C-MOVE into the raw cache. Not retried: a C-MOVE that
// died mid-flight may have landed instances already, and the repair loop
// fetches whatever is missing far more cheaply than a full re-transfer.
func (c *Client) Retrieve(ctx context.Context, studyUID string, sopInstanceUIDs []string) error {
	err := c.execute(ctx, "retrieve", c.cfg.TransferTimeout, func(ctx context.Context) error {
		return c.proxy.RetrieveRemote(ctx, c.name, studyUID, sopInstanceUIDs)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Wrapf(ErrTransferTimeout, "source %s study %s after %s", c.name, studyUID, c.cfg.TransferTimeout)
	}
	return err
}

// retry runs one query attempt per backoff tick. Breaker-open failures are
// not retried; the whole point of the open state is to fail fast.
func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.QueryBackoff.MinBackoff,
		MaxBackoff: c.cfg.QueryBackoff.MaxBackoff,
		MaxRetries: c.cfg.QueryRetries,
	})
	var lastErr error
	for boff.Ongoing() {
		lastErr = c.execute(ctx, op, c.cfg.QueryTimeout, fn)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrUnavailable) || errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}
		level.Warn(c.logger).Log("msg", "query attempt failed", "operation", op, "attempt", boff.NumRetries()+1, "err", lastErr)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return lastErr
}

func (c *Client) execute(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return nil, fn(tctx)
	})
	c.observe(op, start, err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrapf(ErrUnavailable, "source %s", c.name)
	case errors.Is(err, dicomstore.ErrNotFound):
		return errors.Wrapf(ErrNotFound, "source %s: %v", c.name, err)
	default:
		return err
	}
}

func (c *Client) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metricRequests.WithLabelValues(c.name, op, status).Inc()
	metricDuration.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
}
