package port

import (
	"context"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
)

type StockLedger interface {
	// RunInTx runs fn inside one database transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// GetStock reads a SKU without locking, returns nil if it does not exist.
	GetStock(ctx context.Context, sku string) (*domain.StockItem, error)
}

type LedgerTx interface {
	// LockStock reads a SKU with a row lock held until the transaction ends,
	// returns nil if it does not exist.
	LockStock(ctx context.Context, sku string) (*domain.StockItem, error)

	// DecrementStock subtracts qty only if enough stock remains and returns
	// the updated row, or domain.ErrInsufficientStock.
	DecrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error)

	// IncrementStock adds qty and returns the updated row, nil when the SKU
	// does not exist.
	IncrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error)

	// RecordEvent inserts a processed-event marker, returns false if the
	// event id was already recorded.
	RecordEvent(ctx context.Context, event domain.ProcessedEvent) (bool, error)

	// LockOrderVersion returns the last applied event version for an order,
	// 0 if none, holding a lock on the cursor row.
	LockOrderVersion(ctx context.Context, orderID string) (int64, error)

	SaveOrderVersion(ctx context.Context, orderID string, version int64) error
}

// StockSeeder sets absolute quantities outside the reconciliation path.
type StockSeeder interface {
	UpsertStock(ctx context.Context, sku, name string, quantity int) error
}
