package queue

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/uclh-foundry/pixl/pkg/message"
)

// Consume opens a dedicated channel on a queue and streams deliveries until
// the context is cancelled. The returned channel survives broker reconnects:
// when the underlying AMQP channel dies the loop waits for the connection to
// come back and consumes again. Malformed messages never reach the caller;
// they go straight to the dead-letter queue.
func (c *Client) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if _, err := c.connection(); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go c.consumeLoop(ctx, queue, out)
	return out, nil
}

func (c *Client) consumeLoop(ctx context.Context, queue string, out chan<- Delivery) {
	defer close(out)

	for ctx.Err() == nil {
		deliveries, ch, err := c.openConsumer(queue)
		if err != nil {
			level.Warn(c.logger).Log("msg", "consumer not ready", "queue", queue, "err", err)
			if !c.waitForConnection(ctx) {
				return
			}
			continue
		}

		c.forward(ctx, queue, deliveries, out)
		_ = ch.Close()
	}
}

func (c *Client) openConsumer(queue string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening consumer channel")
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, errors.Wrap(err, "setting prefetch")
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, errors.Wrapf(err, "consuming from %s", queue)
	}
	return deliveries, ch, nil
}

// forward maps raw deliveries onto the typed channel until the AMQP channel
// closes or the context ends.
func (c *Client) forward(ctx context.Context, queue string, in <-chan amqp.Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				level.Warn(c.logger).Log("msg", "consumer channel closed", "queue", queue)
				return
			}
			d, err := decodeDelivery(raw, queue, amqpSettler{raw: raw, client: c})
			if err != nil {
				level.Error(c.logger).Log("msg", "dead-lettering malformed message", "queue", queue, "err", err)
				if dlErr := (amqpSettler{raw: raw, client: c}).DeadLetter(err.Error()); dlErr != nil {
					level.Error(c.logger).Log("msg", "dead-letter failed", "queue", queue, "err", dlErr)
				}
				continue
			}
			metricConsumed.WithLabelValues(queue).Inc()
			select {
			case <-ctx.Done():
				// Unsettled on purpose: the broker redelivers after the
				// channel closes.
				return
			case out <- d:
			}
		}
	}
}

// decodeDelivery turns a raw AMQP delivery into a typed one. The broker's
// priority wins over whatever the JSON body carries so redeliveries keep the
// priority they were published with. Requests that decode but fail
// validation are as undeliverable as garbage bytes, so both error.
func decodeDelivery(raw amqp.Delivery, queue string, settler Settler) (Delivery, error) {
	m, err := message.Decode(raw.Body)
	if err != nil {
		return Delivery{}, err
	}
	msg := *m
	if raw.Priority > 0 {
		msg.Priority = raw.Priority
	}
	if err := msg.Validate(); err != nil {
		return Delivery{}, err
	}
	return NewDelivery(msg, queue, raw.MessageId, settler), nil
}

// waitForConnection blocks until the client holds a live connection or the
// context ends. Reconnecting itself is the owning service's job.
func (c *Client) waitForConnection(ctx context.Context) bool {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.Reconnect.MinBackoff,
		MaxBackoff: c.cfg.Reconnect.MaxBackoff,
	})
	for boff.Ongoing() {
		if conn, err := c.connection(); err == nil && !conn.IsClosed() {
			return true
		}
		boff.Wait()
	}
	return false
}
