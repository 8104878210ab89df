package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

const maxOutboxErrorLen = 1024

type orderModel struct {
	ID        string          `gorm:"primaryKey;size:64"`
	UserID    string          `gorm:"size:64;index"`
	UserEmail string          `gorm:"size:255"`
	Items     string          `gorm:"type:json;not null"`
	Status    string          `gorm:"size:16;not null;index"`
	Total     decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Version   int64           `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (orderModel) TableName() string { return "orders" }

type outboxModel struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	MessageID   string     `gorm:"size:64;uniqueIndex;not null"`
	AggregateID string     `gorm:"size:64;index;not null"`
	RoutingKey  string     `gorm:"size:64;not null"`
	Payload     []byte     `gorm:"type:mediumblob;not null"`
	Attempts    int        `gorm:"not null;default:0"`
	LastError   string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"not null"`
	SentAt      *time.Time `gorm:"index"`
}

func (outboxModel) TableName() string { return "outbox_messages" }

// GormOrderRepository stores orders and their outbox in the orders database.
type GormOrderRepository struct {
	db *gorm.DB
}

var (
	_ port.OrderRepository = (*GormOrderRepository)(nil)
	_ port.OutboxStore     = (*GormOrderRepository)(nil)
)

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&orderModel{}, &outboxModel{}); err != nil {
		return fmt.Errorf("migrate orders schema: %w", err)
	}
	return nil
}

func (r *GormOrderRepository) CreateOrder(ctx context.Context, order domain.Order, outbox *domain.OutboxMessage) error {
	model, err := newOrderModel(order)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert order %s: %w", order.ID, err)
		}
		if outbox == nil {
			return nil
		}
		msg := newOutboxModel(*outbox)
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert outbox message for %s: %w", order.ID, err)
		}
		return nil
	})
}

func (r *GormOrderRepository) UpdateOrder(ctx context.Context, orderID string, change port.OrderChange) (*domain.Order, error) {
	var updated *domain.Order

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model orderModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).
			First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order %s: %w", orderID, err)
		}

		order, err := model.toDomain()
		if err != nil {
			return err
		}

		outbox, err := change(&order)
		if err != nil {
			return err
		}

		err = tx.Model(&orderModel{}).Where("id = ?", orderID).Updates(map[string]any{
			"status":     string(order.Status),
			"version":    order.Version,
			"updated_at": order.UpdatedAt,
		}).Error
		if err != nil {
			return fmt.Errorf("update order %s: %w", orderID, err)
		}

		if outbox != nil {
			msg := newOutboxModel(*outbox)
			if err := tx.Create(&msg).Error; err != nil {
				return fmt.Errorf("insert outbox message for %s: %w", orderID, err)
			}
		}

		updated = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *GormOrderRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var model orderModel
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	order, err := model.toDomain()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *GormOrderRepository) ProcessPending(ctx context.Context, limit int, deliver port.OutboxDelivery) (int, error) {
	sent := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []outboxModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("sent_at IS NULL").
			Order("id").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return fmt.Errorf("fetch pending outbox: %w", err)
		}

		for _, m := range models {
			if deliverErr := deliver(ctx, m.toDomain()); deliverErr != nil {
				return markFailed(tx, m.ID, deliverErr)
			}
			if err := markSent(tx, m.ID); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}

func markSent(tx *gorm.DB, id uint64) error {
	now := time.Now().UTC()
	err := tx.Model(&outboxModel{}).Where("id = ?", id).Update("sent_at", &now).Error
	if err != nil {
		return fmt.Errorf("mark outbox %d sent: %w", id, err)
	}
	return nil
}

func markFailed(tx *gorm.DB, id uint64, cause error) error {
	msg := cause.Error()
	if len(msg) > maxOutboxErrorLen {
		msg = msg[:maxOutboxErrorLen]
	}

	err := tx.Model(&outboxModel{}).Where("id = ?", id).Updates(map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
	}).Error
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

func (r *GormOrderRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&outboxModel{}).Where("sent_at IS NULL").Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return n, nil
}

func newOrderModel(o domain.Order) (orderModel, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return orderModel{}, fmt.Errorf("encode items for %s: %w", o.ID, err)
	}
	return orderModel{
		ID:        o.ID,
		UserID:    o.UserID,
		UserEmail: o.UserEmail,
		Items:     string(items),
		Status:    string(o.Status),
		Total:     o.Total,
		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

func (m orderModel) toDomain() (domain.Order, error) {
	var items []domain.LineItem
	if err := json.Unmarshal([]byte(m.Items), &items); err != nil {
		return domain.Order{}, fmt.Errorf("decode items for %s: %w", m.ID, err)
	}
	return domain.Order{
		ID:        m.ID,
		UserID:    m.UserID,
		UserEmail: m.UserEmail,
		Items:     items,
		Status:    domain.OrderStatus(m.Status),
		Total:     m.Total,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func newOutboxModel(m domain.OutboxMessage) outboxModel {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return outboxModel{
		MessageID:   m.MessageID,
		AggregateID: m.AggregateID,
		RoutingKey:  m.RoutingKey,
		Payload:     m.Payload,
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		CreatedAt:   createdAt,
		SentAt:      m.SentAt,
	}
}

func (m outboxModel) toDomain() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:          m.ID,
		MessageID:   m.MessageID,
		AggregateID: m.AggregateID,
		RoutingKey:  m.RoutingKey,
		Payload:     m.Payload,
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		SentAt:      m.SentAt,
	}
}
