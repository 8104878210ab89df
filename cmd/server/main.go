package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reconciler/internal/adapter/handler"
	"github.com/rl1809/stock-reconciler/internal/adapter/messaging"
	"github.com/rl1809/stock-reconciler/internal/adapter/storage"
	"github.com/rl1809/stock-reconciler/internal/config"
	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/core/service"
	"github.com/rl1809/stock-reconciler/internal/observability"
	"github.com/rl1809/stock-reconciler/internal/port"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inventory reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, telErr := observability.SetupTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       cfg.OtelEndpoint,
		AuthHeader:     cfg.OtelAuthHeader,
	})

	logger, err := observability.NewLogger(config.ServiceName, cfg.LogLevel, tel.LoggerProvider)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if telErr != nil {
		logger.Warn("telemetry export partially disabled", zap.Error(telErr))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		return err
	}
	logger.Info("connected to mysql")

	ledger := storage.NewMySQLLedger(db)

	var cache port.StockCache
	if rdb := connectRedis(ctx, cfg.RedisAddr, logger); rdb != nil {
		defer rdb.Close()
		cache = storage.NewRedisStockCache(rdb)
	}

	reconciler := service.NewReconciler(ledger, cache, logger.Named("reconciler"))
	events := handler.NewEventHandler(reconciler, metrics, logger.Named("events"))

	readiness := &handler.Readiness{}
	health := handler.NewHealthHandler()

	supervisor := messaging.NewSupervisor(
		messaging.NewConsumerStarter(messaging.ConsumerSetup{
			URL:                cfg.RabbitMQURL,
			ConnectionName:     config.ServiceName,
			Exchange:           cfg.Bus.Exchange,
			DeadLetterExchange: cfg.Bus.DeadLetterExchange,
			DeadLetterQueue:    cfg.Bus.DeadLetterQueue,
			RequeueDelay:       cfg.Bus.RequeueDelay,
			Routes: []messaging.Route{
				{
					Queue:      domain.QueueOrderCompleted,
					RoutingKey: domain.RoutingKeyOrderCompleted,
					Handler:    events.Completed(domain.QueueOrderCompleted),
				},
				{
					Queue:      domain.QueueOrderCancelled,
					RoutingKey: domain.RoutingKeyOrderCancelled,
					Handler:    events.Cancelled(domain.QueueOrderCancelled),
				},
			},
		}, logger.Named("bus")),
		messaging.SupervisorConfig{
			StartupAttempts: cfg.Bus.ConnectAttempts,
			StartupInterval: cfg.Bus.ConnectInterval,
			ReconnectDelay:  cfg.Bus.ReconnectDelay,
			OnStateChange: func(connected bool) {
				readiness.Set(connected)
				health.SetServing(connected)
				metrics.SetBusConnected(connected)
			},
			OnReconnect: metrics.Reconnected,
		},
		logger.Named("supervisor"),
	)

	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(readiness, cache, ledger, metrics.Handler(), logger.Named("http")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return serveGRPC(grpcServer, lis)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}

		health.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("reconciler stopped", zap.Error(err))
		return err
	}
	logger.Info("reconciler stopped")
	return nil
}

// serveGRPC blocks until the server stops. A stop that lands before Serve
// starts is a clean shutdown too.
func serveGRPC(server *grpc.Server, lis net.Listener) error {
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// reconciler then runs without the stock mirror.
func connectRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 20})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, stock cache disabled", zap.String("addr", addr), zap.Error(err))
		rdb.Close()
		return nil
	}
	logger.Info("connected to redis", zap.String("addr", addr))
	return rdb
}
