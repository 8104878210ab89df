package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("publisher not connected")
	ErrNacked       = errors.New("broker refused message")
)

const tracerName = "github.com/rl1809/stock-reconciler/internal/adapter/messaging"

// Publisher publishes over one long-lived channel in confirm mode. Its Start
// method is a StartFunc; run it under a Supervisor to keep the channel alive.
type Publisher struct {
	url            string
	connectionName string
	exchange       string
	logger         *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(url, connectionName, exchange string, logger *zap.Logger) *Publisher {
	return &Publisher{
		url:            url,
		connectionName: connectionName,
		exchange:       exchange,
		logger:         logger,
	}
}

func (p *Publisher) Start(ctx context.Context) (Session, error) {
	conn, err := dial(p.url, p.connectionName)
	if err != nil {
		return nil, err
	}
	sess := newAMQPSession(conn)

	ch, err := sess.channel()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		sess.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		sess.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()

	sess.onClose = func() {
		p.mu.Lock()
		if p.ch == ch {
			p.ch = nil
		}
		p.mu.Unlock()
	}
	return sess, nil
}

// Publish sends one persistent message and waits for the broker to confirm
// it. Calls are serialised so confirms come back in publish order.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", messageID),
		),
	)
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return ErrNotConnected
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false,
		newPublishing(ctx, messageID, body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm wait failed")
		return fmt.Errorf("confirm %s: %w", routingKey, err)
	}
	if !acked {
		span.SetStatus(codes.Error, ErrNacked.Error())
		return fmt.Errorf("publish %s: %w", routingKey, ErrNacked)
	}
	return nil
}

func newPublishing(ctx context.Context, messageID string, body []byte) amqp.Publishing {
	headers := amqp.Table{}
	InjectTraceContext(ctx, headers)

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}
