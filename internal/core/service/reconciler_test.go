package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
)

func completedEvent(id string, items ...domain.LineItem) domain.OrderEvent {
	return domain.OrderEvent{OrderID: domain.OrderID(id), Items: items}
}

func item(sku string, qty int) domain.LineItem {
	return domain.LineItem{SKU: sku, Qty: qty}
}

func TestHandleCompleted_DeductsAllItems(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10, "b": 5})
	r := NewReconciler(ledger, nil, zap.NewNop())

	outcome, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 3), item("b", 5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ledger.quantity("a") != 7 || ledger.quantity("b") != 0 {
		t.Errorf("expected a=7 b=0, got a=%d b=%d", ledger.quantity("a"), ledger.quantity("b"))
	}
	if len(outcome.Changes) != 2 || outcome.Changes[0].Delta != -3 || outcome.Changes[1].Quantity != 0 {
		t.Errorf("unexpected outcome %+v", outcome.Changes)
	}
}

func TestHandleCompleted_InsufficientStockIsAtomic(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10, "b": 1})
	r := NewReconciler(ledger, nil, zap.NewNop())

	_, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 3), item("b", 2)))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if !domain.IsStructural(err) {
		t.Error("insufficient stock must be structural")
	}

	if ledger.quantity("a") != 10 || ledger.quantity("b") != 1 {
		t.Errorf("ledger changed on failure: a=%d b=%d", ledger.quantity("a"), ledger.quantity("b"))
	}
}

func TestHandleCompleted_UnknownSKU(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	_, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 1), item("ghost", 1)))
	if !errors.Is(err, domain.ErrUnknownSKU) {
		t.Fatalf("expected ErrUnknownSKU, got %v", err)
	}
	if ledger.quantity("a") != 10 {
		t.Errorf("expected a untouched, got %d", ledger.quantity("a"))
	}
}

func TestHandleCompleted_RepeatedSKUCountsTogether(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 5})
	r := NewReconciler(ledger, nil, zap.NewNop())

	_, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 3), item("a", 3)))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if ledger.quantity("a") != 5 {
		t.Errorf("expected a=5, got %d", ledger.quantity("a"))
	}
}

func TestHandleCompleted_InvalidEvent(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 5})
	r := NewReconciler(ledger, nil, zap.NewNop())

	cases := map[string]domain.OrderEvent{
		"zero qty":  completedEvent("1", item("a", 0)),
		"empty sku": completedEvent("1", item("", 1)),
		"no id":     completedEvent("", item("a", 1)),
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.HandleCompleted(context.Background(), event)
			if !errors.Is(err, domain.ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}

	if ledger.transactions() != 0 {
		t.Errorf("invalid events must not open a transaction, got %d", ledger.transactions())
	}
}

func TestHandleCompleted_NoItemsAcked(t *testing.T) {
	ledger := newFakeLedger(nil)
	r := NewReconciler(ledger, nil, zap.NewNop())

	if _, err := r.HandleCompleted(context.Background(), completedEvent("1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ledger.transactions() != 0 {
		t.Error("empty order must not touch the ledger")
	}
}

func TestHandleCompleted_DuplicateEventAppliedOnce(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	event := completedEvent("1", item("a", 4))
	event.EventID = "evt-1"

	if _, err := r.HandleCompleted(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := r.HandleCompleted(context.Background(), event)
	if !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if !domain.IsSkipped(err) {
		t.Error("duplicates must be classified as skipped")
	}

	if ledger.quantity("a") != 6 {
		t.Errorf("expected a=6, got %d", ledger.quantity("a"))
	}
}

func TestHandleCompleted_FailedEventCanBeRetried(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 1})
	r := NewReconciler(ledger, nil, zap.NewNop())

	event := completedEvent("1", item("a", 2))
	event.EventID = "evt-1"
	event.Version = 2

	if _, err := r.HandleCompleted(context.Background(), event); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The rolled back attempt must not have recorded the event or version.
	ledger.mu.Lock()
	ledger.stock["a"] = domain.StockItem{SKU: "a", Quantity: 5, Version: 9}
	ledger.mu.Unlock()

	if _, err := r.HandleCompleted(context.Background(), event); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ledger.quantity("a") != 3 {
		t.Errorf("expected a=3, got %d", ledger.quantity("a"))
	}
}

func TestHandleCompleted_StaleVersionIgnored(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	cancel := completedEvent("1", item("a", 2))
	cancel.Version = 3
	if _, err := r.HandleCancelled(context.Background(), cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	late := completedEvent("1", item("a", 2))
	late.Version = 2
	_, err := r.HandleCompleted(context.Background(), late)
	if !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
	if ledger.quantity("a") != 12 {
		t.Errorf("expected a=12, got %d", ledger.quantity("a"))
	}
}

func TestHandleCancelled_OvertakenCompletionRestoresNothing(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	cancel := completedEvent("1", item("a", 2))
	cancel.Version = 3
	cancel.PreviousStatus = domain.OrderStatusCompleted
	outcome, err := r.HandleCancelled(context.Background(), cancel)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(outcome.Changes) != 0 {
		t.Errorf("expected no changes, got %+v", outcome.Changes)
	}

	late := completedEvent("1", item("a", 2))
	late.Version = 2
	if _, err := r.HandleCompleted(context.Background(), late); !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}

	if ledger.quantity("a") != 10 {
		t.Errorf("expected stock unchanged at 10, got %d", ledger.quantity("a"))
	}
}

func TestHandleCancelled_AfterCompletionRestores(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	completed := completedEvent("1", item("a", 4))
	completed.Version = 2
	if _, err := r.HandleCompleted(context.Background(), completed); err != nil {
		t.Fatalf("complete: %v", err)
	}

	cancel := completedEvent("1", item("a", 4))
	cancel.Version = 3
	cancel.PreviousStatus = domain.OrderStatusCompleted
	if _, err := r.HandleCancelled(context.Background(), cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if ledger.quantity("a") != 10 {
		t.Errorf("expected a=10, got %d", ledger.quantity("a"))
	}
}

func TestHandleCancelled_SkipsUnknownSKU(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 1, "c": 0})
	r := NewReconciler(ledger, nil, zap.NewNop())

	outcome, err := r.HandleCancelled(context.Background(),
		completedEvent("1", item("a", 2), item("ghost", 5), item("c", 3)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ledger.quantity("a") != 3 || ledger.quantity("c") != 3 {
		t.Errorf("expected a=3 c=3, got a=%d c=%d", ledger.quantity("a"), ledger.quantity("c"))
	}
	if len(outcome.SkippedSKUs) != 1 || outcome.SkippedSKUs[0] != "ghost" {
		t.Errorf("expected ghost skipped, got %v", outcome.SkippedSKUs)
	}
}

func TestHandle_TransientErrorPropagates(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	ledger.txErr = errors.New("dial tcp: connection refused")
	r := NewReconciler(ledger, nil, zap.NewNop())

	_, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 1)))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsStructural(err) || domain.IsSkipped(err) {
		t.Errorf("connection errors must be transient, got %v", err)
	}

	_, err = r.HandleCancelled(context.Background(), completedEvent("1", item("a", 1)))
	if err == nil || domain.IsStructural(err) {
		t.Errorf("expected transient error on restore, got %v", err)
	}
}

func TestHandleCompleted_NoOversellUnderConcurrency(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"hot": 10})
	r := NewReconciler(ledger, nil, zap.NewNop())

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.HandleCompleted(context.Background(), completedEvent("o", item("hot", 1)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 || rejected.Load() != 40 {
		t.Errorf("expected 10 ok and 40 rejected, got %d and %d", ok.Load(), rejected.Load())
	}
	if ledger.quantity("hot") != 0 {
		t.Errorf("expected 0 left, got %d", ledger.quantity("hot"))
	}
}

func TestReconciler_MirrorsCommittedStock(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	cache := newFakeCache()
	r := NewReconciler(ledger, cache, zap.NewNop())

	if _, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 4))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cached, _ := cache.GetStock(context.Background(), "a")
	if cached == nil || cached.Quantity != 6 {
		t.Errorf("expected cached quantity 6, got %+v", cached)
	}
}

func TestReconciler_CacheFailureDoesNotFail(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"a": 10})
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	r := NewReconciler(ledger, cache, zap.NewNop())

	if _, err := r.HandleCompleted(context.Background(), completedEvent("1", item("a", 4))); err != nil {
		t.Fatalf("cache errors must not fail reconciliation, got %v", err)
	}
	if ledger.quantity("a") != 6 {
		t.Errorf("expected a=6, got %d", ledger.quantity("a"))
	}
}
