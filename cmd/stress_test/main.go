package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-reconciler/internal/adapter/messaging"
	"github.com/rl1809/stock-reconciler/internal/adapter/storage"
	"github.com/rl1809/stock-reconciler/internal/config"
	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/core/service"
	"github.com/rl1809/stock-reconciler/internal/observability"
	"github.com/rl1809/stock-reconciler/internal/port"
)

const (
	sku           = "stress-item"
	initialStock  = 20
	totalRequests = 50
	settleTimeout = 30 * time.Second
)

// Creates and completes totalRequests orders for one unit each against a SKU
// seeded with initialStock, then waits for a running reconciler to drain the
// completed events. The ledger must end at zero, never below.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := zap.NewNop()
	if os.Getenv("STRESS_VERBOSE") != "" {
		logger, _ = zap.NewDevelopment()
	}

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	defer db.Close()
	if err := storage.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}
	ledger := storage.NewMySQLLedger(db)

	var cache port.StockCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err == nil {
			cache = storage.NewRedisStockCache(rdb)
		}
	}
	if err := service.SeedStock(ctx, ledger, cache, sku, "Stress test item", initialStock); err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	// Initialize orders database
	ordersDB, err := gorm.Open(gormmysql.Open(cfg.OrdersDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatalf("failed to open orders db: %v", err)
	}
	repo := storage.NewGormOrderRepository(ordersDB)
	if err := repo.AutoMigrate(ctx); err != nil {
		log.Fatalf("failed to migrate orders db: %v", err)
	}

	publisher := messaging.NewPublisher(cfg.RabbitMQURL, "stress-test", cfg.Bus.Exchange, logger)
	session, err := publisher.Start(ctx)
	if err != nil {
		log.Fatalf("failed to connect rabbitmq: %v", err)
	}
	defer session.Close()

	counter := &countingPublisher{next: publisher}
	orders, relay := newOrderPipeline(cfg.Outbox.Enabled, repo, counter, cfg.Outbox.BatchSize, logger)

	var orderFailCount atomic.Int32

	// Spawn concurrent buyers
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			order, err := orders.CreateOrder(ctx, service.NewOrder{
				UserID: fmt.Sprintf("user-%d", n),
				Items:  []domain.LineItem{{SKU: sku, Qty: 1}},
				Total:  decimal.NewFromInt(10),
			})
			if err != nil {
				orderFailCount.Add(1)
				return
			}

			payment := domain.Payment{ID: uuid.NewString(), Status: "succeeded"}
			if _, err := orders.CompleteOrder(ctx, order.ID, payment); err != nil {
				orderFailCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	if relay != nil {
		if err := drainOutbox(ctx, relay, repo); err != nil {
			log.Fatalf("failed to drain outbox: %v", err)
		}
	}
	publishElapsed := time.Since(start)

	finalStock, err := waitForStock(ctx, ledger, 0)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	elapsed := time.Since(start)

	published := counter.completed.Load()
	fail := counter.failed.Load() + orderFailCount.Load()
	applied := int32(initialStock - finalStock)
	rejected := published - applied

	mode := "direct"
	if relay != nil {
		mode = "outbox"
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Publish Mode:     %s\n", mode)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Orders:     %d\n", totalRequests)
	fmt.Printf("Published:        %d\n", published)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Applied:          %d\n", applied)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Publish Duration: %v\n", publishElapsed)
	fmt.Printf("Total Duration:   %v\n", elapsed)
	fmt.Println("==========================================")

	if published == totalRequests {
		fmt.Println("PASS: All completed events confirmed by the broker")
	} else {
		fmt.Printf("FAIL: %d of %d completed events confirmed\n", published, totalRequests)
	}

	if applied == initialStock && rejected == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d events applied, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d applied/%d rejected, got %d/%d\n",
			initialStock, totalRequests-initialStock, applied, rejected)
	}

	fmt.Printf("Final Ledger Stock: %d\n", finalStock)
	switch {
	case finalStock == 0:
		fmt.Println("PASS: Stock depleted to 0 without overselling")
	case finalStock < 0:
		fmt.Printf("FAIL: Oversold, stock went to %d\n", finalStock)
	default:
		fmt.Printf("FAIL: Expected stock 0, got %d (is the reconciler running?)\n", finalStock)
	}
}

type orderStore interface {
	port.OrderRepository
	port.OutboxStore
}

// newOrderPipeline builds the order service for the configured publish path.
// With the outbox enabled, events are stored next to the order and the
// returned relay publishes them; otherwise they go to the bus right after
// commit and the relay is nil.
func newOrderPipeline(outbox bool, store orderStore, publisher port.EventPublisher, batchSize int, logger *zap.Logger) (*service.OrderService, *service.OutboxRelay) {
	if !outbox {
		direct := service.NewLifecyclePublisher(publisher, logger.Named("lifecycle"))
		return service.NewOrderService(store, direct, logger.Named("orders")), nil
	}

	relay := service.NewOutboxRelay(store, publisher, batchSize, 100*time.Millisecond,
		observability.NewMetrics(), logger.Named("relay"))
	return service.NewOrderService(store, nil, logger.Named("orders")), relay
}

// drainOutbox relays until nothing is pending or settleTimeout passes.
func drainOutbox(ctx context.Context, relay *service.OutboxRelay, store port.OutboxStore) error {
	deadline := time.Now().Add(settleTimeout)
	for {
		if _, err := relay.RelayOnce(ctx); err != nil {
			return err
		}
		pending, err := store.CountPending(ctx)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d outbox messages still pending", pending)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// countingPublisher counts broker outcomes for completed-order events.
type countingPublisher struct {
	next      port.EventPublisher
	completed atomic.Int32
	failed    atomic.Int32
}

func (p *countingPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	err := p.next.Publish(ctx, routingKey, messageID, body)
	if routingKey != domain.RoutingKeyOrderCompleted {
		return err
	}
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	return err
}

// waitForStock polls the ledger until the SKU reaches want or settleTimeout
// passes, and returns the last quantity seen.
func waitForStock(ctx context.Context, ledger *storage.MySQLLedger, want int) (int, error) {
	deadline := time.Now().Add(settleTimeout)
	for {
		item, err := ledger.GetStock(ctx, sku)
		if err != nil {
			return 0, err
		}
		if item == nil {
			return 0, fmt.Errorf("sku %s disappeared", sku)
		}
		if item.Quantity <= want || time.Now().After(deadline) {
			return item.Quantity, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}
