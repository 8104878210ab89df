package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

const tracerName = "github.com/rl1809/stock-reconciler/internal/core/service"

// Outcome describes what a committed reconciliation did to the ledger.
type Outcome struct {
	Changes []domain.StockChange
	// SkippedSKUs lists restore line items whose SKU is not in the ledger.
	SkippedSKUs []string
}

// Reconciler applies order lifecycle events to the stock ledger. Every event
// is applied in a single ledger transaction; either all its line items
// change or none do.
type Reconciler struct {
	ledger port.StockLedger
	cache  port.StockCache
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler builds a Reconciler. cache may be nil.
func NewReconciler(ledger port.StockLedger, cache port.StockCache, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleCompleted deducts every line item of a completed order. Unknown SKUs
// and insufficient stock abort the whole event.
func (r *Reconciler) HandleCompleted(ctx context.Context, event domain.OrderEvent) (Outcome, error) {
	ctx, span := r.startSpan(ctx, domain.RoutingKeyOrderCompleted, event)
	defer span.End()

	if err := event.Validate(); err != nil {
		return Outcome{}, r.fail(span, err)
	}
	if len(event.Items) == 0 {
		r.logger.Warn("completed order has no items", zap.String("order_id", string(event.OrderID)))
		return Outcome{}, nil
	}

	var outcome Outcome
	err := r.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		outcome = Outcome{}

		if _, err := r.claim(ctx, tx, domain.RoutingKeyOrderCompleted, event); err != nil {
			return err
		}

		// Lock every row first so the check sees the whole order. The
		// running total covers SKUs repeated across line items.
		requested := make(map[string]int, len(event.Items))
		for _, item := range event.Items {
			stock, err := tx.LockStock(ctx, item.SKU)
			if err != nil {
				return err
			}
			if stock == nil {
				return fmt.Errorf("sku %s: %w", item.SKU, domain.ErrUnknownSKU)
			}
			if available := stock.Quantity - requested[item.SKU]; available < item.Qty {
				return fmt.Errorf("sku %s has %d, order needs %d: %w",
					item.SKU, available, item.Qty, domain.ErrInsufficientStock)
			}
			requested[item.SKU] += item.Qty
		}

		for _, item := range event.Items {
			updated, err := tx.DecrementStock(ctx, item.SKU, item.Qty)
			if err != nil {
				return err
			}
			outcome.Changes = append(outcome.Changes, changeOf(*updated, -item.Qty))
		}
		return nil
	})
	if err != nil {
		return Outcome{}, r.fail(span, err)
	}

	r.logger.Info("stock deducted",
		zap.String("order_id", string(event.OrderID)),
		zap.String("event_id", event.EventID),
		zap.Int("items", len(outcome.Changes)),
	)
	r.mirror(ctx, outcome.Changes)
	return outcome, nil
}

// HandleCancelled restores every line item of a cancelled order. Line items
// whose SKU no longer exists are skipped with a warning.
func (r *Reconciler) HandleCancelled(ctx context.Context, event domain.OrderEvent) (Outcome, error) {
	ctx, span := r.startSpan(ctx, domain.RoutingKeyOrderCancelled, event)
	defer span.End()

	if err := event.Validate(); err != nil {
		return Outcome{}, r.fail(span, err)
	}
	if len(event.Items) == 0 {
		r.logger.Warn("cancelled order has no items", zap.String("order_id", string(event.OrderID)))
		return Outcome{}, nil
	}

	var outcome Outcome
	err := r.ledger.RunInTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		outcome = Outcome{}

		applied, err := r.claim(ctx, tx, domain.RoutingKeyOrderCancelled, event)
		if err != nil {
			return err
		}

		// The completion this cancel undoes has not been applied yet; it will
		// arrive stale and be discarded, so nothing was deducted to restore.
		if event.Version > 0 && event.PreviousStatus == domain.OrderStatusCompleted && applied < event.Version-1 {
			r.logger.Warn("cancellation overtook completion, nothing to restore",
				zap.String("order_id", string(event.OrderID)),
				zap.Int64("version", event.Version),
				zap.Int64("applied_version", applied),
			)
			return nil
		}

		for _, item := range event.Items {
			updated, err := tx.IncrementStock(ctx, item.SKU, item.Qty)
			if err != nil {
				return err
			}
			if updated == nil {
				r.logger.Warn("sku not found during restore, skipping",
					zap.String("order_id", string(event.OrderID)),
					zap.String("sku", item.SKU),
					zap.Int("qty", item.Qty),
				)
				outcome.SkippedSKUs = append(outcome.SkippedSKUs, item.SKU)
				continue
			}
			outcome.Changes = append(outcome.Changes, changeOf(*updated, item.Qty))
		}
		return nil
	})
	if err != nil {
		return Outcome{}, r.fail(span, err)
	}

	r.logger.Info("stock restored",
		zap.String("order_id", string(event.OrderID)),
		zap.String("event_id", event.EventID),
		zap.Int("items", len(outcome.Changes)),
		zap.Int("skipped", len(outcome.SkippedSKUs)),
	)
	r.mirror(ctx, outcome.Changes)
	return outcome, nil
}

// claim records the event id and advances the order's version cursor in the
// ledger transaction. It returns the version applied before this event.
// Events without an id or version skip the respective check.
func (r *Reconciler) claim(ctx context.Context, tx port.LedgerTx, routingKey string, event domain.OrderEvent) (int64, error) {
	orderID := string(event.OrderID)

	if event.EventID != "" {
		inserted, err := tx.RecordEvent(ctx, domain.ProcessedEvent{
			EventID:     event.EventID,
			OrderID:     orderID,
			RoutingKey:  routingKey,
			ProcessedAt: r.now(),
		})
		if err != nil {
			return 0, err
		}
		if !inserted {
			return 0, fmt.Errorf("event %s: %w", event.EventID, domain.ErrDuplicateEvent)
		}
	}

	if event.Version <= 0 {
		return 0, nil
	}

	applied, err := tx.LockOrderVersion(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if event.Version <= applied {
		return applied, fmt.Errorf("order %s version %d, already at %d: %w",
			orderID, event.Version, applied, domain.ErrStaleEvent)
	}
	if err := tx.SaveOrderVersion(ctx, orderID, event.Version); err != nil {
		return applied, err
	}
	return applied, nil
}

// mirror copies committed quantities into the cache. Failures are logged
// only; the ledger stays authoritative.
func (r *Reconciler) mirror(ctx context.Context, changes []domain.StockChange) {
	if r.cache == nil {
		return
	}
	for _, c := range changes {
		item := domain.StockItem{SKU: c.SKU, Quantity: c.Quantity, Version: c.Version}
		if _, err := r.cache.SetStock(ctx, item); err != nil {
			r.logger.Warn("stock cache update failed", zap.String("sku", c.SKU), zap.Error(err))
		}
	}
}

func (r *Reconciler) startSpan(ctx context.Context, routingKey string, event domain.OrderEvent) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reconcile "+routingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("order.id", string(event.OrderID)),
			attribute.String("event.id", event.EventID),
			attribute.Int64("event.version", event.Version),
			attribute.Int("order.items", len(event.Items)),
		),
	)
}

func (r *Reconciler) fail(span trace.Span, err error) error {
	if domain.IsSkipped(err) {
		span.SetAttributes(attribute.Bool("event.skipped", true))
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func changeOf(item domain.StockItem, delta int) domain.StockChange {
	return domain.StockChange{
		SKU:      item.SKU,
		Delta:    delta,
		Quantity: item.Quantity,
		Version:  item.Version,
	}
}
