package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Decision tells the consumer how to settle a delivery.
type Decision int

const (
	// Ack removes the message from the queue.
	Ack Decision = iota
	// Requeue returns the message to the queue after the requeue delay.
	Requeue
	// Reject drops the message, or dead-letters it when the queue has a
	// dead-letter exchange.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Handler processes one delivery. It is never called concurrently for the
// same queue.
type Handler func(ctx context.Context, d amqp.Delivery) Decision

// Consumer settles deliveries from one queue strictly one at a time.
type Consumer struct {
	queue        string
	handler      Handler
	requeueDelay time.Duration
	logger       *zap.Logger
}

func NewConsumer(queue string, handler Handler, requeueDelay time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:        queue,
		handler:      handler,
		requeueDelay: requeueDelay,
		logger:       logger.With(zap.String("queue", queue)),
	}
}

// Run handles deliveries until the channel closes or ctx is cancelled. A
// delivery already being handled when ctx is cancelled is finished and
// settled before Run returns.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("delivery channel closed")
				return
			}
			c.settle(ctx, d, c.handler(context.WithoutCancel(ctx), d))
		}
	}
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, decision Decision) {
	var err error
	switch decision {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		c.wait(ctx)
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}

	if err != nil {
		// The channel is gone; the broker redelivers the message.
		c.logger.Warn("settle delivery failed",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Stringer("decision", decision),
			zap.Error(err),
		)
	}
}

func (c *Consumer) wait(ctx context.Context) {
	if c.requeueDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.requeueDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
