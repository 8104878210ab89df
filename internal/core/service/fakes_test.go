package service

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

// fakeLedger serialises transactions and applies a transaction's writes only
// when fn succeeds, like a database would.
type fakeLedger struct {
	mu      sync.Mutex
	stock   map[string]domain.StockItem
	events  map[string]bool
	cursors map[string]int64
	txErr   error
	txCount int
}

func newFakeLedger(stock map[string]int) *fakeLedger {
	l := &fakeLedger{
		stock:   make(map[string]domain.StockItem),
		events:  make(map[string]bool),
		cursors: make(map[string]int64),
	}
	for sku, qty := range stock {
		l.stock[sku] = domain.StockItem{SKU: sku, Quantity: qty, Version: 1}
	}
	return l
}

func (l *fakeLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.txCount++
	if l.txErr != nil {
		return l.txErr
	}

	tx := &fakeLedgerTx{
		stock:   maps.Clone(l.stock),
		events:  maps.Clone(l.events),
		cursors: maps.Clone(l.cursors),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	l.stock, l.events, l.cursors = tx.stock, tx.events, tx.cursors
	return nil
}

func (l *fakeLedger) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.stock[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (l *fakeLedger) UpsertStock(ctx context.Context, sku, name string, quantity int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.txErr != nil {
		return l.txErr
	}
	item := l.stock[sku]
	item.SKU = sku
	item.Quantity = quantity
	item.Version++
	l.stock[sku] = item
	return nil
}

func (l *fakeLedger) quantity(sku string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[sku].Quantity
}

func (l *fakeLedger) transactions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txCount
}

type fakeLedgerTx struct {
	stock   map[string]domain.StockItem
	events  map[string]bool
	cursors map[string]int64
}

func (t *fakeLedgerTx) LockStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	item, ok := t.stock[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (t *fakeLedgerTx) DecrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	item, ok := t.stock[sku]
	if !ok || item.Quantity < qty {
		return nil, domain.ErrInsufficientStock
	}
	item.Quantity -= qty
	item.Version++
	t.stock[sku] = item
	return &item, nil
}

func (t *fakeLedgerTx) IncrementStock(ctx context.Context, sku string, qty int) (*domain.StockItem, error) {
	item, ok := t.stock[sku]
	if !ok {
		return nil, nil
	}
	item.Quantity += qty
	item.Version++
	t.stock[sku] = item
	return &item, nil
}

func (t *fakeLedgerTx) RecordEvent(ctx context.Context, event domain.ProcessedEvent) (bool, error) {
	if t.events[event.EventID] {
		return false, nil
	}
	t.events[event.EventID] = true
	return true, nil
}

func (t *fakeLedgerTx) LockOrderVersion(ctx context.Context, orderID string) (int64, error) {
	return t.cursors[orderID], nil
}

func (t *fakeLedgerTx) SaveOrderVersion(ctx context.Context, orderID string, version int64) error {
	t.cursors[orderID] = version
	return nil
}

type fakeCache struct {
	mu        sync.Mutex
	items     map[string]domain.StockItem
	err       error
	deleteErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]domain.StockItem)}
}

func (c *fakeCache) SetStock(ctx context.Context, item domain.StockItem) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if cur, ok := c.items[item.SKU]; ok && cur.Version >= item.Version {
		return false, nil
	}
	c.items[item.SKU] = item
	return true, nil
}

func (c *fakeCache) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (c *fakeCache) DeleteStock(ctx context.Context, sku string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	delete(c.items, sku)
	return nil
}

type published struct {
	routingKey string
	messageID  string
	body       []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	// failOn makes the n-th call (1-based) fail; 0 disables.
	failOn int
	err    error
	calls  int
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil && (p.failOn == 0 || p.failOn == p.calls) {
		return p.err
	}
	p.messages = append(p.messages, published{routingKey: routingKey, messageID: messageID, body: body})
	return nil
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

// fakeOrderStore keeps orders and the outbox in memory. It implements both
// port.OrderRepository and port.OutboxStore.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	outbox []domain.OutboxMessage
	nextID uint64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]domain.Order)}
}

func (s *fakeOrderStore) CreateOrder(ctx context.Context, order domain.Order, msg *domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errors.New("duplicate order id")
	}
	s.orders[order.ID] = order
	s.appendOutbox(msg)
	return nil
}

func (s *fakeOrderStore) UpdateOrder(ctx context.Context, orderID string, change port.OrderChange) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	msg, err := change(&order)
	if err != nil {
		return nil, err
	}
	s.orders[orderID] = order
	s.appendOutbox(msg)
	return &order, nil
}

func (s *fakeOrderStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (s *fakeOrderStore) appendOutbox(msg *domain.OutboxMessage) {
	if msg == nil {
		return
	}
	s.nextID++
	m := *msg
	m.ID = s.nextID
	s.outbox = append(s.outbox, m)
}

func (s *fakeOrderStore) ProcessPending(ctx context.Context, limit int, deliver port.OutboxDelivery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for i := range s.outbox {
		if sent >= limit {
			break
		}
		m := &s.outbox[i]
		if m.SentAt != nil {
			continue
		}
		if err := deliver(ctx, *m); err != nil {
			m.Attempts++
			m.LastError = err.Error()
			return sent, nil
		}
		now := m.CreatedAt
		m.SentAt = &now
		sent++
	}
	return sent, nil
}

func (s *fakeOrderStore) CountPending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.outbox {
		if m.SentAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *fakeOrderStore) messages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

type fakeObserver struct {
	mu      sync.Mutex
	ok      int
	failed  int
	pending int64
}

func (o *fakeObserver) OutboxPublished(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.ok++
		return
	}
	o.failed++
}

func (o *fakeObserver) SetOutboxPending(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = n
}
