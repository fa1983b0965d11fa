package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/api"
	"github.com/d60-Lab/storefront/internal/api/handler"
	"github.com/d60-Lab/storefront/internal/basket"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/consumer"
	"github.com/d60-Lab/storefront/internal/ledger"
	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/alert"
	"github.com/d60-Lab/storefront/pkg/cache"
	"github.com/d60-Lab/storefront/pkg/database"
	"github.com/d60-Lab/storefront/pkg/logger"
	"github.com/d60-Lab/storefront/pkg/metrics"
	"github.com/d60-Lab/storefront/pkg/tracing"
)

const serviceName = "basket"

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
		logger.Fatal("basket exited", zap.Error(err))
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
	reporter, err := alert.New(cfg.Sentry, version)
	if err != nil {
		return err
	}
	defer reporter.Flush(2 * time.Second)

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	l, closeLedger, err := openLedger(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeLedger()

	b, err := broker.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := basket.NewStore(rdb, cfg.Basket.TTL, cfg.Basket.MaxRetries)
	updater := basket.NewUpdater(rdb, cfg.Basket.MaxRetries, cfg.Basket.UpdateConcurrency)
	baskets := service.NewBasketService(store, basket.NewCatalogClient(cfg.CatalogClient.BaseURL, cfg.CatalogClient.Timeout))

	c := consumer.New(b, updater, l, reporter, m, consumer.Config{
		Topic:         cfg.Broker.Topic,
		Group:         cfg.Broker.Group,
		Concurrency:   cfg.Consumer.Concurrency,
		HandleTimeout: cfg.Consumer.HandleTimeout,
		MaxAttempts:   cfg.Broker.MaxAttempts,
	})

	router := api.NewBasketRouter(api.Options{
		Service: serviceName,
		Mode:    cfg.Server.Mode,
		Metrics: m,
		Sentry:  cfg.Sentry.DSN != "",
		Health:  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, handler.NewBasketHandler(baskets))
	srv := &http.Server{Addr: cfg.Server.BasketAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	stopCleanup := ledger.StartCleanup(l, cfg.Ledger.Retention, cfg.Ledger.CleanupInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// 订阅断开时返回错误，整个进程退出由编排重启
		return c.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("basket listening", zap.String("addr", srv.Addr), zap.String("broker", cfg.Broker.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down basket")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := stopCleanup(shutdownCtx); err != nil {
			logger.Warn("ledger cleanup shutdown", zap.Error(err))
		}
		return shutdownTracing(shutdownCtx)
	})
	return g.Wait()
}

func openLedger(cfg *config.Config, rdb redis.UniversalClient) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Backend {
	case "redis":
		return ledger.NewRedisLedger(rdb, cfg.Ledger.Retention), func() {}, nil
	case "gorm":
		db, err := database.InitDB(cfg)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewGormLedger(db), func() { _ = database.Close(db) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}
