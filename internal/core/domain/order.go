package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type LineItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type Order struct {
	ID        string
	UserID    string
	UserEmail string
	Items     []LineItem
	Status    OrderStatus
	Total     decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Payment struct {
	ID     string
	Status string
}

// ValidateItems checks the invariants every line item must satisfy.
func ValidateItems(items []LineItem) error {
	for i, item := range items {
		if item.SKU == "" {
			return fmt.Errorf("item %d: empty sku", i)
		}
		if item.Qty <= 0 {
			return fmt.Errorf("item %d (%s): qty must be positive, got %d", i, item.SKU, item.Qty)
		}
	}
	return nil
}

// Complete moves a pending order to completed.
func (o *Order) Complete(now time.Time) error {
	switch o.Status {
	case OrderStatusCompleted:
		return ErrOrderAlreadyCompleted
	case OrderStatusCancelled:
		return ErrOrderAlreadyCancelled
	}
	o.Status = OrderStatusCompleted
	o.Version++
	o.UpdatedAt = now
	return nil
}

// Cancel moves a pending or completed order to the terminal cancelled state
// and returns the status it left.
func (o *Order) Cancel(now time.Time) (OrderStatus, error) {
	if o.Status == OrderStatusCancelled {
		return "", ErrOrderAlreadyCancelled
	}
	previous := o.Status
	o.Status = OrderStatusCancelled
	o.Version++
	o.UpdatedAt = now
	return previous, nil
}
