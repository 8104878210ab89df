package service

import (
	"context"
	"fmt"

	"github.com/rl1809/stock-reconciler/internal/port"
)

// SeedStock sets a SKU's ledger quantity and drops its cached copy, so stock
// reads fall back to the ledger until the next reconciliation mirrors it
// again. cache may be nil.
func SeedStock(ctx context.Context, ledger port.StockSeeder, cache port.StockCache, sku, name string, quantity int) error {
	if err := ledger.UpsertStock(ctx, sku, name, quantity); err != nil {
		return err
	}
	if cache == nil {
		return nil
	}
	if err := cache.DeleteStock(ctx, sku); err != nil {
		return fmt.Errorf("invalidate cached stock %s: %w", sku, err)
	}
	return nil
}
