package queue

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

const depthInterval = 15 * time.Second

// Service owns the broker connection for the daemon: it dials on start,
// redials when the broker drops the connection and fails the whole process
// once the reconnect budget is spent.
type Service struct {
	services.Service

	client *Client
	logger log.Logger
}

func NewService(cfg Config, logger log.Logger) *Service {
	s := &Service{
		client: NewClient(cfg, logger),
		logger: logger,
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Client exposes the managed connection for publishers and consumers.
func (s *Service) Client() *Client { return s.client }

func (s *Service) starting(ctx context.Context) error {
	return s.client.Connect(ctx)
}

func (s *Service) running(ctx context.Context) error {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	closed, ok := s.client.notifyClose()
	if !ok {
		return errors.New("broker connection not established")
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr := <-closed:
			if amqpErr == nil {
				// Closed from our side.
				return nil
			}
			level.Warn(s.logger).Log("msg", "broker connection lost", "err", amqpErr)
			if err := s.client.Connect(ctx); err != nil {
				return err
			}
			closed, ok = s.client.notifyClose()
			if !ok {
				return errors.New("broker connection not established")
			}

		case <-ticker.C:
			s.observeDepths()
		}
	}
}

func (s *Service) stopping(_ error) error {
	return s.client.Close()
}

func (s *Service) observeDepths() {
	for _, q := range []string{Primary, Secondary, DeadLetter} {
		if _, err := s.client.Depth(q); err != nil {
			level.Debug(s.logger).Log("msg", "queue depth unavailable", "queue", q, "err", err)
			return
		}
	}
}
