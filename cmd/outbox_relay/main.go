package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-reconciler/internal/adapter/messaging"
	"github.com/rl1809/stock-reconciler/internal/adapter/storage"
	"github.com/rl1809/stock-reconciler/internal/config"
	"github.com/rl1809/stock-reconciler/internal/core/service"
	"github.com/rl1809/stock-reconciler/internal/observability"
	"github.com/rl1809/stock-reconciler/internal/port"
)

const relayName = "order-outbox-relay"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "outbox relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.OrdersDSN == "" {
		return errors.New("orders mysql dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, telErr := observability.SetupTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    relayName,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       cfg.OtelEndpoint,
		AuthHeader:     cfg.OtelAuthHeader,
	})

	logger, err := observability.NewLogger(relayName, cfg.LogLevel, tel.LoggerProvider)
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

	if !cfg.Outbox.Enabled {
		logger.Warn("outbox disabled, order events are published directly; nothing to relay")
		return nil
	}

	db, err := gorm.Open(mysql.Open(cfg.OrdersDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open orders db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	repo := storage.NewGormOrderRepository(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		return err
	}
	logger.Info("connected to orders database")

	metrics := observability.NewMetrics()
	g, gctx := errgroup.WithContext(ctx)

	var publisher port.EventPublisher
	switch cfg.Bus.PublishMode {
	case config.PublishModeOneShot:
		oneShot := messaging.NewOneShotPublisher(cfg.RabbitMQURL, relayName, cfg.Bus.Exchange,
			cfg.Bus.ConnectAttempts, cfg.Bus.ConnectInterval, cfg.Bus.PublishGrace, logger.Named("publisher"))
		defer oneShot.Wait()
		publisher = oneShot
	default:
		pooled := messaging.NewPublisher(cfg.RabbitMQURL, relayName, cfg.Bus.Exchange, logger.Named("publisher"))
		supervisor := messaging.NewSupervisor(pooled.Start, messaging.SupervisorConfig{
			StartupAttempts: cfg.Bus.ConnectAttempts,
			StartupInterval: cfg.Bus.ConnectInterval,
			ReconnectDelay:  cfg.Bus.ReconnectDelay,
			OnStateChange:   metrics.SetBusConnected,
			OnReconnect:     metrics.Reconnected,
		}, logger.Named("supervisor"))
		g.Go(func() error {
			return supervisor.Run(gctx)
		})
		publisher = pooled
	}

	relay := service.NewOutboxRelay(repo, publisher, cfg.Outbox.BatchSize, cfg.Outbox.PollInterval, metrics, logger.Named("relay"))
	g.Go(func() error {
		return relay.Run(gctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		return err
	}
	logger.Info("relay stopped")
	return nil
}
