package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/api"
	"github.com/d60-Lab/storefront/internal/api/handler"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/database"
	"github.com/d60-Lab/storefront/pkg/logger"
	"github.com/d60-Lab/storefront/pkg/metrics"
	"github.com/d60-Lab/storefront/pkg/tracing"
)

const serviceName = "catalog"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Fatal("catalog exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		return err
	}
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment, Release: version}); err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	b, err := broker.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	outbox := repository.NewOutboxRepository(db)
	relay := service.NewOutboxRelay(outbox, b, cfg.Outbox, m)
	catalog := service.NewCatalogService(db, repository.NewProductRepository(db), outbox, relay)

	router := api.NewCatalogRouter(api.Options{
		Service: serviceName,
		Mode:    cfg.Server.Mode,
		Metrics: m,
		Sentry:  cfg.Sentry.DSN != "",
		Health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, handler.NewProductHandler(catalog))
	srv := &http.Server{Addr: cfg.Server.CatalogAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	stopRelay := relay.Start(ctx)
	// 启动时把上次遗留的 pending 记录推一遍
	relay.Trigger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("catalog listening", zap.String("addr", srv.Addr), zap.String("broker", cfg.Broker.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down catalog")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// 先停 HTTP，再停 relay，保证已提交的写都有机会投递
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := stopRelay(shutdownCtx); err != nil {
			logger.Warn("relay shutdown", zap.Error(err))
		}
		return shutdownTracing(shutdownCtx)
	})
	return g.Wait()
}
