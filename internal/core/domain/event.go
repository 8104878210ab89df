package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ExchangeName = "marketplace.events"

	RoutingKeyOrderCreated   = "order.created"
	RoutingKeyOrderCompleted = "order.completed"
	RoutingKeyOrderCancelled = "order.cancelled"

	QueueOrderCompleted = "inventory.order.completed"
	QueueOrderCancelled = "inventory.order.cancelled"
)

// OrderID accepts both JSON strings and numbers so that events carrying
// serial integer ids decode alongside uuid ids.
type OrderID string

func (id *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order id: %w", err)
	}
	*id = OrderID(n.String())
	return nil
}

// OrderEvent is the JSON body published on the events exchange.
type OrderEvent struct {
	EventID        string           `json:"eventId,omitempty"`
	Version        int64            `json:"version,omitempty"`
	OccurredAt     time.Time        `json:"occurredAt"`
	OrderID        OrderID          `json:"id"`
	UserID         string           `json:"userId,omitempty"`
	Items          []LineItem       `json:"items"`
	Total          *decimal.Decimal `json:"total,omitempty"`
	UserEmail      string           `json:"userEmail,omitempty"`
	PaymentID      string           `json:"paymentId,omitempty"`
	PaymentStatus  string           `json:"paymentStatus,omitempty"`
	PreviousStatus OrderStatus      `json:"previousStatus,omitempty"`
}

// Validate rejects payloads the reconciler can never apply.
func (e *OrderEvent) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidEvent)
	}
	if err := ValidateItems(e.Items); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func NewCreatedEvent(o Order, now time.Time) OrderEvent {
	total := o.Total
	return OrderEvent{
		EventID:    uuid.NewString(),
		Version:    o.Version,
		OccurredAt: now,
		OrderID:    OrderID(o.ID),
		UserID:     o.UserID,
		Items:      o.Items,
		Total:      &total,
		UserEmail:  o.UserEmail,
	}
}

func NewCompletedEvent(o Order, p Payment, now time.Time) OrderEvent {
	return OrderEvent{
		EventID:       uuid.NewString(),
		Version:       o.Version,
		OccurredAt:    now,
		OrderID:       OrderID(o.ID),
		UserID:        o.UserID,
		Items:         o.Items,
		PaymentID:     p.ID,
		PaymentStatus: p.Status,
	}
}

func NewCancelledEvent(o Order, previous OrderStatus, now time.Time) OrderEvent {
	return OrderEvent{
		EventID:        uuid.NewString(),
		Version:        o.Version,
		OccurredAt:     now,
		OrderID:        OrderID(o.ID),
		Items:          o.Items,
		PreviousStatus: previous,
	}
}
