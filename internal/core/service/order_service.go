package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

type NewOrder struct {
	UserID    string
	UserEmail string
	Items     []domain.LineItem
	Total     decimal.Decimal
}

// OrderService owns order state transitions. Each transition records its
// lifecycle event: through the outbox in the same transaction by default, or
// published directly after commit when a LifecyclePublisher is supplied.
type OrderService struct {
	repo   port.OrderRepository
	direct *LifecyclePublisher
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService builds an OrderService. A nil direct publisher selects the
// outbox.
func NewOrderService(repo port.OrderRepository, direct *LifecyclePublisher, logger *zap.Logger) *OrderService {
	return &OrderService{
		repo:   repo,
		direct: direct,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *OrderService) CreateOrder(ctx context.Context, req NewOrder) (*domain.Order, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", domain.ErrInvalidOrder)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", domain.ErrInvalidOrder)
	}
	if err := domain.ValidateItems(req.Items); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	if req.Total.IsNegative() {
		return nil, fmt.Errorf("%w: negative total %s", domain.ErrInvalidOrder, req.Total)
	}

	now := s.now()
	order := domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		Items:     req.Items,
		Status:    domain.OrderStatusPending,
		Total:     req.Total,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var msg *domain.OutboxMessage
	if s.direct == nil {
		var err error
		msg, err = outboxMessage(domain.RoutingKeyOrderCreated, domain.NewCreatedEvent(order, now))
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.CreateOrder(ctx, order, msg); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if s.direct != nil {
		s.direct.PublishCreated(ctx, order)
	}
	return &order, nil
}

// CompleteOrder marks a pending order paid.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID string, payment domain.Payment) (*domain.Order, error) {
	order, err := s.repo.UpdateOrder(ctx, orderID, func(o *domain.Order) (*domain.OutboxMessage, error) {
		now := s.now()
		if err := o.Complete(now); err != nil {
			return nil, err
		}
		if s.direct != nil {
			return nil, nil
		}
		return outboxMessage(domain.RoutingKeyOrderCompleted, domain.NewCompletedEvent(*o, payment, now))
	})
	if err != nil {
		return nil, fmt.Errorf("complete order %s: %w", orderID, err)
	}

	s.logger.Info("order completed", zap.String("order_id", orderID), zap.Int64("version", order.Version))
	if s.direct != nil {
		s.direct.PublishCompleted(ctx, *order, payment)
	}
	return order, nil
}

// CancelOrder cancels a pending or completed order.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var previous domain.OrderStatus

	order, err := s.repo.UpdateOrder(ctx, orderID, func(o *domain.Order) (*domain.OutboxMessage, error) {
		now := s.now()
		var err error
		if previous, err = o.Cancel(now); err != nil {
			return nil, err
		}
		if s.direct != nil {
			return nil, nil
		}
		return outboxMessage(domain.RoutingKeyOrderCancelled, domain.NewCancelledEvent(*o, previous, now))
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("previous_status", string(previous)),
		zap.Int64("version", order.Version),
	)
	if s.direct != nil {
		s.direct.PublishCancelled(ctx, *order, previous)
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}
