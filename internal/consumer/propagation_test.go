package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/basket"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/ledger"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/database"
)

// 目录改价 → outbox → relay → broker → consumer → 购物车
func TestPriceChangePropagatesToBaskets(t *testing.T) {
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	rdb := setupRedis(t)
	ctx := context.Background()
	m := newMetrics()

	mem := broker.NewMemory(broker.Options{MaxAttempts: 3})
	outbox := repository.NewOutboxRepository(db)
	relay := service.NewOutboxRelay(outbox, mem, config.OutboxConfig{PollInterval: time.Hour, BatchSize: 10}, m)
	catalog := service.NewCatalogService(db, repository.NewProductRepository(db), outbox, relay)

	p, err := catalog.Create(ctx, service.ProductInput{
		Name: "Espresso Cup", Description: "white porcelain", Price: decimal.RequireFromString("19.99"),
	})
	require.NoError(t, err)

	store := basket.NewStore(rdb, time.Hour, 5)
	for _, owner := range []string{"alice", "bob"} {
		_, err := store.AddItem(ctx, owner, basket.Item{
			ProductID: p.ID, ProductName: p.Name, Quantity: 2,
			UnitPrice: p.Price, PriceVersion: p.PriceUpdatedAt,
		})
		require.NoError(t, err)
	}

	led := ledger.NewGormLedger(db)
	c := New(mem, basket.NewUpdater(rdb, 5, 4), led, nil, m, Config{Group: "basket", MaxAttempts: 3, Concurrency: 2})
	stop := runConsumer(t, c)
	defer stop()

	_, err = catalog.Update(ctx, p.ID, service.ProductInput{
		Name: p.Name, Description: p.Description, Price: decimal.RequireFromString("24.99"),
	})
	require.NoError(t, err)
	sent, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	for _, owner := range []string{"alice", "bob"} {
		owner := owner
		assert.Eventually(t, func() bool {
			b, err := store.Get(ctx, owner)
			return err == nil && len(b.Items) == 1 && b.Total.Equal(decimal.RequireFromString("49.98"))
		}, 2*time.Second, 10*time.Millisecond, owner)
	}

	published := mem.Published(event.TopicPriceChanged)
	require.Len(t, published, 1)
	assert.Eventually(t, func() bool {
		seen, err := led.Seen(ctx, "basket", published[0].ID)
		return err == nil && seen
	}, 2*time.Second, 10*time.Millisecond)

	// 重复投递同一 eventId 不改变结果
	require.NoError(t, mem.Publish(ctx, event.TopicPriceChanged, published[0]))
	assert.Eventually(t, func() bool {
		return mem.Pending(event.TopicPriceChanged, "basket") == 0
	}, 2*time.Second, 10*time.Millisecond)
	b, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b.Items[0].UnitPrice.Equal(decimal.RequireFromString("24.99")))
	assert.Empty(t, mem.DeadLetters(event.TopicPriceChanged, "basket"))
}
