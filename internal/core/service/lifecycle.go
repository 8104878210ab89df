package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

// LifecyclePublisher emits one event per order transition straight to the
// bus. Publishing is best effort: failures are logged and never reach the
// caller, whose order change is already committed.
type LifecyclePublisher struct {
	publisher port.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewLifecyclePublisher(publisher port.EventPublisher, logger *zap.Logger) *LifecyclePublisher {
	return &LifecyclePublisher{
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *LifecyclePublisher) PublishCreated(ctx context.Context, order domain.Order) {
	p.publish(ctx, domain.RoutingKeyOrderCreated, domain.NewCreatedEvent(order, p.now()))
}

func (p *LifecyclePublisher) PublishCompleted(ctx context.Context, order domain.Order, payment domain.Payment) {
	p.publish(ctx, domain.RoutingKeyOrderCompleted, domain.NewCompletedEvent(order, payment, p.now()))
}

func (p *LifecyclePublisher) PublishCancelled(ctx context.Context, order domain.Order, previous domain.OrderStatus) {
	p.publish(ctx, domain.RoutingKeyOrderCancelled, domain.NewCancelledEvent(order, previous, p.now()))
}

func (p *LifecyclePublisher) publish(ctx context.Context, routingKey string, event domain.OrderEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode order event", zap.String("routing_key", routingKey), zap.Error(err))
		return
	}

	if err := p.publisher.Publish(ctx, routingKey, event.EventID, body); err != nil {
		p.logger.Error("publish order event failed",
			zap.String("routing_key", routingKey),
			zap.String("order_id", string(event.OrderID)),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return
	}

	p.logger.Info("order event published",
		zap.String("routing_key", routingKey),
		zap.String("order_id", string(event.OrderID)),
		zap.String("event_id", event.EventID),
	)
}

// outboxMessage encodes event as an outbox row for the order it belongs to.
func outboxMessage(routingKey string, event domain.OrderEvent) (*domain.OutboxMessage, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	return &domain.OutboxMessage{
		MessageID:   event.EventID,
		AggregateID: string(event.OrderID),
		RoutingKey:  routingKey,
		Payload:     body,
		CreatedAt:   event.OccurredAt,
	}, nil
}
