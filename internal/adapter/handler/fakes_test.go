package handler

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

// memLedger applies writes directly; enough for single-item handler tests.
type memLedger struct {
	mu     sync.Mutex
	stock  map[string]domain.StockItem
	events map[string]bool
	err    error
}

func newMemLedger(stock map[string]int) *memLedger {
	l := &memLedger{stock: map[string]domain.StockItem{}, events: map[string]bool{}}
	for sku, qty := range stock {
		l.stock[sku] = domain.StockItem{SKU: sku, Quantity: qty, Version: 1}
	}
	return l
}

func (l *memLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return fn(ctx, l)
}

func (l *memLedger) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	if l.err != nil {
		return nil, l.err
	}
	item, ok := l.stock[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (l *memLedger) LockStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	item, ok := l.stock[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (l *memLedger) DecrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	item := l.stock[sku]
	if item.Quantity < qty {
		return nil, domain.ErrInsufficientStock
	}
	item.Quantity -= qty
	item.Version++
	l.stock[sku] = item
	return &item, nil
}

func (l *memLedger) IncrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	item, ok := l.stock[sku]
	if !ok {
		return nil, nil
	}
	item.Quantity += qty
	item.Version++
	l.stock[sku] = item
	return &item, nil
}

func (l *memLedger) RecordEvent(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	if l.events[event.EventID] {
		return false, nil
	}
	l.events[event.EventID] = true
	return true, nil
}

func (l *memLedger) LockOrderVersion(ctx context.Context, orderID string) (int64, error) {
	return 0, nil
}

func (l *memLedger) SaveOrderVersion(ctx context.Context, orderID string, version int64) error {
	return nil
}

type memCache struct {
	items map[string]domain.StockItem
	err   error
}

func (c *memCache) SetStock(ctx context.Context, item domain.StockItem) (bool, error) {
	c.items[item.SKU] = item
	return true, nil
}

func (c *memCache) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	if c.err != nil {
		return nil, c.err
	}
	item, ok := c.items[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (c *memCache) DeleteStock(ctx context.Context, sku string) error {
	delete(c.items, sku)
	return nil
}

type recordedMessage struct {
	queue   string
	outcome string
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []recordedMessage
	skipped  int
}

func (r *fakeRecorder) ObserveMessage(queue, outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recordedMessage{queue: queue, outcome: outcome})
}

func (r *fakeRecorder) SkippedItem() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}
