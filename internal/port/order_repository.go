package port

import (
	"context"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
)

// OrderChange mutates a locked order. A non-nil message is written to the
// outbox in the same transaction as the order update.
type OrderChange func(order *domain.Order) (*domain.OutboxMessage, error)

type OrderRepository interface {
	// CreateOrder persists a new order and, when outbox is non-nil, its outbox
	// message in the same transaction.
	CreateOrder(ctx context.Context, order domain.Order, outbox *domain.OutboxMessage) error

	// UpdateOrder locks the order row, applies change and persists the result.
	UpdateOrder(ctx context.Context, orderID string, change OrderChange) (*domain.Order, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// OutboxDelivery hands one outbox message to the bus. A nil error means
// the broker confirmed it.
type OutboxDelivery func(ctx context.Context, msg domain.OutboxMessage) error

type OutboxStore interface {
	// ProcessPending locks up to limit unsent messages, oldest first, skipping
	// rows another relay holds, and delivers them in order. Delivered messages
	// are marked sent; the first failure is recorded on its row and ends the
	// batch. Returns how many messages were sent.
	ProcessPending(ctx context.Context, limit int, deliver OutboxDelivery) (int, error)

	CountPending(ctx context.Context) (int64, error)
}
