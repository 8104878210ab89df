package port

import (
	"context"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
)

type StockCache interface {
	// SetStock stores the quantity unless the cache already holds a newer
	// version of the SKU; returns whether the write was applied.
	SetStock(ctx context.Context, item domain.StockItem) (bool, error)

	// GetStock returns nil when the SKU is not cached.
	GetStock(ctx context.Context, sku string) (*domain.StockItem, error)

	DeleteStock(ctx context.Context, sku string) error
}
