package queue

import (
	"time"

	"github.com/streadway/amqp"

	"github.com/uclh-foundry/pixl/pkg/message"
)

// Settler finishes one delivery. Exactly one method is called per message.
type Settler interface {
	// Ack removes the message from the queue for good.
	Ack() error
	// Requeue returns the message to its queue for redelivery.
	Requeue() error
	// SendToSecondary moves the message to the secondary queue, keeping its
	// priority, and drops it from the primary.
	SendToSecondary() error
	// DeadLetter copies the message to the dead-letter queue with a reason,
	// then acks the original.
	DeadLetter(reason string) error
}

// Delivery is one extract request in flight, paired with its settlement
// handle.
type Delivery struct {
	Message   message.ExtractRequest
	Queue     string
	MessageID string

	settler Settler
}

// NewDelivery builds a delivery around an arbitrary settler. Pipeline tests
// use this to feed workers without a broker.
func NewDelivery(msg message.ExtractRequest, queue, messageID string, settler Settler) Delivery {
	return Delivery{Message: msg, Queue: queue, MessageID: messageID, settler: settler}
}

func (d Delivery) Ack() error                    { return d.settler.Ack() }
func (d Delivery) Requeue() error                { return d.settler.Requeue() }
func (d Delivery) SendToSecondary() error        { return d.settler.SendToSecondary() }
func (d Delivery) DeadLetter(reason string) error { return d.settler.DeadLetter(reason) }

// amqpSettler settles against a live broker channel.
type amqpSettler struct {
	raw    amqp.Delivery
	client *Client
}

func (s amqpSettler) Ack() error {
	return s.raw.Ack(false)
}

func (s amqpSettler) Requeue() error {
	return s.raw.Reject(true)
}

func (s amqpSettler) SendToSecondary() error {
	// Publish the copy before dropping the original so a failure leaves the
	// message on the primary queue for redelivery.
	if err := s.client.publishRaw(Secondary, copyPublishing(s.raw, nil)); err != nil {
		if rerr := s.raw.Reject(true); rerr != nil {
			return rerr
		}
		return err
	}
	return s.raw.Reject(false)
}

func (s amqpSettler) DeadLetter(reason string) error {
	headers := amqp.Table{"x-pixl-reason": reason}
	if err := s.client.publishRaw(DeadLetter, copyPublishing(s.raw, headers)); err != nil {
		if rerr := s.raw.Reject(true); rerr != nil {
			return rerr
		}
		return err
	}
	metricDeadLettered.Inc()
	return s.raw.Ack(false)
}

func copyPublishing(raw amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  raw.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     raw.Priority,
		MessageId:    raw.MessageId,
		Timestamp:    time.Now().UTC(),
		Body:         raw.Body,
	}
}
