// Package queue is the RabbitMQ adapter: priority-queue publish and
// consume for extract requests, plus the dead-letter route for messages
// the pipeline must never see again.
package queue

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/streadway/amqp"

	"github.com/uclh-foundry/pixl/pkg/message"
	"github.com/uclh-foundry/pixl/pkg/util"
)

// The three queues the pipeline owns. Primary carries fresh extract
// requests, secondary the studies the primary archive did not have, and the
// dead-letter queue whatever must not be retried.
const (
	Primary    = "imaging-primary"
	Secondary  = "imaging-secondary"
	DeadLetter = "imaging-dlq"

	maxPriority = 5
)

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "queue_published_total",
		Help:      "Messages published by queue.",
	}, []string{"queue"})
	metricConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "queue_consumed_total",
		Help:      "Messages decoded off the broker by queue.",
	}, []string{"queue"})
	metricDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "queue_dead_lettered_total",
		Help:      "Messages routed to the dead-letter queue.",
	})
	metricDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "queue_depth",
		Help:      "Broker-reported queue depth, updated on inspection.",
	}, []string{"queue"})
)

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PrefetchCount caps unacked deliveries per consumer channel. Wired to
	// the global in-flight ceiling by the scheduler.
	PrefetchCount int `yaml:"prefetch_count"`

	Reconnect backoff.Config `yaml:"reconnect"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, util.PrefixConfig(prefix, "host"), "localhost", "RabbitMQ host.")
	f.IntVar(&cfg.Port, util.PrefixConfig(prefix, "port"), 5672, "RabbitMQ port.")
	f.StringVar(&cfg.Username, util.PrefixConfig(prefix, "username"), "guest", "RabbitMQ username.")
	f.StringVar(&cfg.Password, util.PrefixConfig(prefix, "password"), "guest", "RabbitMQ password.")
	f.IntVar(&cfg.PrefetchCount, util.PrefixConfig(prefix, "prefetch-count"), 10, "Maximum unacked messages per consumer.")
	cfg.Reconnect = backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		MaxRetries: 10,
	}
}

func (cfg Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.Username, cfg.Password, cfg.Host, cfg.Port)
}

// Client is a broker connection shared by publishers and consumers. The
// daemon wraps it in a Service; the CLI uses it directly.
type Client struct {
	cfg    Config
	logger log.Logger

	mtx      sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]struct{}
}

func NewClient(cfg Config, logger log.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger,
		declared: make(map[string]struct{}),
	}
}

// Connect dials the broker, retrying within the configured budget.
func (c *Client) Connect(ctx context.Context) error {
	boff := backoff.New(ctx, c.cfg.Reconnect)
	var lastErr error
	for boff.Ongoing() {
		conn, err := amqp.Dial(c.cfg.url())
		if err == nil {
			c.mtx.Lock()
			c.conn = conn
			c.pub = nil
			c.declared = make(map[string]struct{})
			c.mtx.Unlock()
			level.Info(c.logger).Log("msg", "connected to broker", "host", c.cfg.Host)
			return nil
		}
		lastErr = err
		level.Warn(c.logger).Log("msg", "broker not ready", "err", err)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return errors.Wrap(lastErr, "connecting to broker")
}

func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.pub = nil
	return err
}

// notifyClose registers for the current connection's close event.
func (c *Client) notifyClose() (chan *amqp.Error, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil, false
	}
	return c.conn.NotifyClose(make(chan *amqp.Error, 1)), true
}

func (c *Client) connection() (*amqp.Connection, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil, errors.New("broker connection not established")
	}
	return c.conn, nil
}

// queueArgs returns the declaration arguments every pipeline queue uses.
func queueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(maxPriority)}
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, queueArgs())
	return errors.Wrapf(err, "declaring queue %s", name)
}

// publishChannel returns the shared publisher channel, opening it and
// declaring the queue on first use. Callers must hold no locks.
func (c *Client) publishChannel(queue string) (*amqp.Channel, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.conn == nil {
		return nil, errors.New("broker connection not established")
	}
	if c.pub == nil {
		ch, err := c.conn.Channel()
		if err != nil {
			return nil, errors.Wrap(err, "opening publisher channel")
		}
		c.pub = ch
		c.declared = make(map[string]struct{})
	}
	if _, ok := c.declared[queue]; !ok {
		if err := declareQueue(c.pub, queue); err != nil {
			return nil, err
		}
		c.declared[queue] = struct{}{}
	}
	return c.pub, nil
}

// Publish sends one extract request to a queue with its priority. Messages
// are persistent so a broker restart does not lose work.
func (c *Client) Publish(_ context.Context, queue string, msg message.ExtractRequest) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.publishRaw(queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     msg.Priority,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (c *Client) publishRaw(queue string, pub amqp.Publishing) error {
	ch, err := c.publishChannel(queue)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	err = ch.Publish("", queue, false, false, pub)
	c.mtx.Unlock()
	if err != nil {
		return errors.Wrapf(err, "publishing to %s", queue)
	}
	metricPublished.WithLabelValues(queue).Inc()
	return nil
}

// QueueStats is one queue's broker-side view.
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Depth inspects a queue without consuming from it.
func (c *Client) Depth(queue string) (QueueStats, error) {
	conn, err := c.connection()
	if err != nil {
		return QueueStats{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return QueueStats{}, errors.Wrap(err, "opening inspection channel")
	}
	defer ch.Close()

	if err := declareQueue(ch, queue); err != nil {
		return QueueStats{}, err
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return QueueStats{}, errors.Wrapf(err, "inspecting queue %s", queue)
	}
	metricDepth.WithLabelValues(queue).Set(float64(q.Messages))
	return QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Purge drops every message in a queue and returns how many went.
func (c *Client) Purge(queue string) (int, error) {
	conn, err := c.connection()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, errors.Wrap(err, "opening purge channel")
	}
	defer ch.Close()

	if err := declareQueue(ch, queue); err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, errors.Wrapf(err, "purging queue %s", queue)
	}
	level.Info(c.logger).Log("msg", "queue purged", "queue", queue, "messages", n)
	return n, nil
}
