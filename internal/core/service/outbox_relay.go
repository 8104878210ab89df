package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

type RelayObserver interface {
	OutboxPublished(ok bool)
	SetOutboxPending(n int64)
}

// OutboxRelay moves committed outbox messages onto the bus in insertion
// order. A message is marked sent only after the broker confirmed it.
type OutboxRelay struct {
	store     port.OutboxStore
	publisher port.EventPublisher
	batchSize int
	interval  time.Duration
	observer  RelayObserver
	logger    *zap.Logger
}

func NewOutboxRelay(store port.OutboxStore, publisher port.EventPublisher, batchSize int, interval time.Duration, observer RelayObserver, logger *zap.Logger) *OutboxRelay {
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		observer:  observer,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		sent, err := r.RelayOnce(ctx)
		if err == nil && sent == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce delivers one batch and returns how many messages were sent.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	sent, err := r.store.ProcessPending(ctx, r.batchSize, r.deliver)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("outbox batch failed", zap.Int("sent", sent), zap.Error(err))
	}

	if pending, countErr := r.store.CountPending(ctx); countErr == nil {
		r.observer.SetOutboxPending(pending)
	}
	return sent, err
}

func (r *OutboxRelay) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	err := r.publisher.Publish(ctx, msg.RoutingKey, msg.MessageID, msg.Payload)
	r.observer.OutboxPublished(err == nil)

	if err != nil {
		r.logger.Warn("outbox publish failed, will retry",
			zap.Uint64("outbox_id", msg.ID),
			zap.String("message_id", msg.MessageID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err),
		)
		return err
	}

	r.logger.Debug("outbox message relayed",
		zap.Uint64("outbox_id", msg.ID),
		zap.String("message_id", msg.MessageID),
		zap.String("routing_key", msg.RoutingKey),
	)
	return nil
}
