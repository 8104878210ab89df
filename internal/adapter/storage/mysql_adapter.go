package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

const mysqlErrDuplicateEntry = 1062

type MySQLLedger struct {
	db *sql.DB
}

func NewMySQLLedger(db *sql.DB) *MySQLLedger {
	return &MySQLLedger{db: db}
}

func (m *MySQLLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQLLedger) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	return scanStockItem(m.db.QueryRowContext(ctx, `
		SELECT sku, quantity, version, updated_at
		FROM inventory WHERE sku = ?`, sku,
	))
}

// UpsertStock sets a SKU's quantity, creating the row if needed. Used for
// seeding and by ops tooling, never by the reconciliation path.
func (m *MySQLLedger) UpsertStock(ctx context.Context, sku, name string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("negative quantity %d for %s", quantity, sku)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (sku, name, quantity, version, updated_at)
		VALUES (?, ?, ?, 0, NOW())
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = version + 1, updated_at = NOW()`,
		sku, name, quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert inventory: %w", err)
	}
	return nil
}

type mysqlLedgerTx struct {
	tx *sql.Tx
}

func (t *mysqlLedgerTx) LockStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	return scanStockItem(t.tx.QueryRowContext(ctx, `
		SELECT sku, quantity, version, updated_at
		FROM inventory WHERE sku = ? FOR UPDATE`, sku,
	))
}

func (t *mysqlLedgerTx) DecrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity - ?, version = version + 1, updated_at = NOW()
		WHERE sku = ? AND quantity >= ?`,
		qty, sku, qty,
	)
	if err != nil {
		return nil, fmt.Errorf("decrement %s: %w", sku, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("decrement %s: %w", sku, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("decrement %s by %d: %w", sku, qty, domain.ErrInsufficientStock)
	}

	return t.currentStock(ctx, sku)
}

func (t *mysqlLedgerTx) IncrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity + ?, version = version + 1, updated_at = NOW()
		WHERE sku = ?`,
		qty, sku,
	)
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", sku, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", sku, err)
	}
	if rows == 0 {
		return nil, nil
	}

	return t.currentStock(ctx, sku)
}

// currentStock re-reads a row this transaction has already written.
func (t *mysqlLedgerTx) currentStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	item, err := scanStockItem(t.tx.QueryRowContext(ctx, `
		SELECT sku, quantity, version, updated_at
		FROM inventory WHERE sku = ?`, sku,
	))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%s vanished inside transaction: %w", sku, domain.ErrUnknownSKU)
	}
	return item, nil
}

func (t *mysqlLedgerTx) RecordEvent(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, order_id, routing_key, processed_at)
		VALUES (?, ?, ?, ?)`,
		event.EventID, event.OrderID, event.RoutingKey, event.ProcessedAt,
	)
	if err == nil {
		return true, nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
		return false, nil
	}
	return false, fmt.Errorf("record event %s: %w", event.EventID, err)
}

func (t *mysqlLedgerTx) LockOrderVersion(ctx context.Context, orderID string) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT version FROM order_event_cursors WHERE order_id = ? FOR UPDATE`, orderID,
	).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock order cursor %s: %w", orderID, err)
	}
	return version, nil
}

func (t *mysqlLedgerTx) SaveOrderVersion(ctx context.Context, orderID string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_event_cursors (order_id, version, updated_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE version = VALUES(version), updated_at = VALUES(updated_at)`,
		orderID, version, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save order cursor %s: %w", orderID, err)
	}
	return nil
}

func scanStockItem(row *sql.Row) (*domain.StockItem, error) {
	var item domain.StockItem
	err := row.Scan(&item.SKU, &item.Quantity, &item.Version, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &item, nil
}
