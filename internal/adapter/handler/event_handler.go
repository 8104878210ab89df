package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/adapter/messaging"
	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/core/service"
	"github.com/rl1809/stock-reconciler/internal/observability"
)

type MessageRecorder interface {
	ObserveMessage(queue, outcome string, elapsed time.Duration)
	SkippedItem()
}

// EventHandler turns bus deliveries into reconciler calls and maps the
// result onto a settle decision.
type EventHandler struct {
	reconciler *service.Reconciler
	metrics    MessageRecorder
	logger     *zap.Logger
}

func NewEventHandler(reconciler *service.Reconciler, metrics MessageRecorder, logger *zap.Logger) *EventHandler {
	return &EventHandler{reconciler: reconciler, metrics: metrics, logger: logger}
}

func (h *EventHandler) Completed(queue string) messaging.Handler {
	return func(ctx context.Context, d amqp.Delivery) messaging.Decision {
		return h.handle(ctx, queue, d, h.reconciler.HandleCompleted)
	}
}

func (h *EventHandler) Cancelled(queue string) messaging.Handler {
	return func(ctx context.Context, d amqp.Delivery) messaging.Decision {
		return h.handle(ctx, queue, d, h.reconciler.HandleCancelled)
	}
}

type applyFunc func(ctx context.Context, event domain.OrderEvent) (service.Outcome, error)

func (h *EventHandler) handle(ctx context.Context, queue string, d amqp.Delivery, apply applyFunc) messaging.Decision {
	start := time.Now()
	ctx = messaging.ExtractTraceContext(ctx, d.Headers)

	logger := h.logger.With(
		zap.String("queue", queue),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered),
	)

	var outcome service.Outcome
	event, err := decodeEvent(d)
	if err == nil {
		logger = logger.With(
			zap.String("order_id", string(event.OrderID)),
			zap.String("event_id", event.EventID),
		)
		outcome, err = apply(ctx, event)
	}

	for range outcome.SkippedSKUs {
		h.metrics.SkippedItem()
	}

	decision, label := classify(err)
	switch label {
	case observability.OutcomeSkipped:
		logger.Info("event skipped", zap.Error(err))
	case observability.OutcomeRejected:
		logger.Error("event rejected", zap.Error(err))
	case observability.OutcomeRequeued:
		logger.Warn("event failed, requeueing", zap.Error(err))
	}

	h.metrics.ObserveMessage(queue, label, time.Since(start))
	return decision
}

func decodeEvent(d amqp.Delivery) (domain.OrderEvent, error) {
	var event domain.OrderEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if event.EventID == "" {
		event.EventID = d.MessageId
	}
	return event, nil
}

func classify(err error) (messaging.Decision, string) {
	switch {
	case err == nil:
		return messaging.Ack, observability.OutcomeAcked
	case domain.IsSkipped(err):
		return messaging.Ack, observability.OutcomeSkipped
	case domain.IsStructural(err):
		return messaging.Reject, observability.OutcomeRejected
	default:
		return messaging.Requeue, observability.OutcomeRequeued
	}
}
