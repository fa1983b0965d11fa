// propagationbench 在进程内跑完整链路（sqlite 内存库 + miniredis + 内存 broker），
// 统计改价事务耗时和改价落到购物车缓存的耗时。
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/basket"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/consumer"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/ledger"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/database"
	"github.com/d60-Lab/storefront/pkg/metrics"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	baskets := envInt("BASKETS", 2000) // 持有该商品的购物车数
	updates := envInt("UPDATES", 50)   // 改价次数
	workers := envInt("WORKERS", 8)    // 消费并发
	fanout := envInt("FANOUT", 32)     // 单事件内购物车并发
	ctx := context.Background()

	db := must(database.OpenSQLiteMemory())
	mr := must(miniredis.Run())
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: fanout * 2})
	defer rdb.Close()

	m := metrics.New(prometheus.NewRegistry())
	mem := broker.NewMemory(broker.Options{MaxAttempts: 5, RetryDelay: 10 * time.Millisecond})
	outbox := repository.NewOutboxRepository(db)
	relay := service.NewOutboxRelay(outbox, mem, config.OutboxConfig{PollInterval: 50 * time.Millisecond, BatchSize: 100}, m)
	catalog := service.NewCatalogService(db, repository.NewProductRepository(db), outbox, relay)

	p := must(catalog.Create(ctx, service.ProductInput{Name: "bench", Description: "bench product", Price: decimal.NewFromInt(100)}))

	store := basket.NewStore(rdb, time.Hour, 10)
	for i := 0; i < baskets; i++ {
		must(store.AddItem(ctx, fmt.Sprintf("owner-%d", i), basket.Item{
			ProductID: p.ID, ProductName: p.Name, Quantity: 1, UnitPrice: p.Price, PriceVersion: p.PriceUpdatedAt,
		}))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := consumer.New(mem, basket.NewUpdater(rdb, 10, fanout), ledger.NewRedisLedger(rdb, time.Hour), nil, m,
		consumer.Config{Group: "bench", Concurrency: workers, MaxAttempts: 5})
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	stopRelay := relay.Start(runCtx)

	txLatency := make([]time.Duration, 0, updates)
	landing := make([]time.Duration, 0, updates)
	probe := fmt.Sprintf("owner-%d", baskets-1)
	for i := 1; i <= updates; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		st := time.Now()
		must(catalog.Update(ctx, p.ID, service.ProductInput{Name: p.Name, Description: p.Description, Price: price}))
		txLatency = append(txLatency, time.Since(st))

		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			b := must(store.Get(ctx, probe))
			if len(b.Items) == 1 && b.Items[0].UnitPrice.Equal(price) {
				landing = append(landing, time.Since(st))
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	_ = stopRelay(ctx)
	cancel()
	<-done

	fmt.Printf("BASKETS=%d UPDATES=%d WORKERS=%d FANOUT=%d\n", baskets, updates, workers, fanout)
	fmt.Printf("Update tx latency: avg=%v p95=%v p99=%v\n", avg(txLatency), pct(txLatency, 0.95), pct(txLatency, 0.99))
	fmt.Printf("Propagation (commit->basket): samples=%d avg=%v p95=%v p99=%v\n", len(landing), avg(landing), pct(landing, 0.95), pct(landing, 0.99))
	fmt.Printf("Outbox published=%.0f consumer applied=%.0f repriced=%.0f stale=%.0f dlq=%d\n",
		testutil.ToFloat64(m.OutboxPublished),
		testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(string(consumer.OutcomeApplied))),
		testutil.ToFloat64(m.BasketRepriced),
		testutil.ToFloat64(m.BasketStale),
		len(mem.DeadLetters(event.TopicPriceChanged, "bench")))
}
