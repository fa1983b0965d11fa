package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/storefront/internal/basket"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/pkg/metrics"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newMetrics() *metrics.Metrics { return metrics.New(prometheus.NewRegistry()) }

var v0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// seedBasket 放一条 2 件、19.99 的商品 42
func seedBasket(t *testing.T, rdb redis.UniversalClient, owner string) *basket.Store {
	t.Helper()
	store := basket.NewStore(rdb, time.Hour, 5)
	_, err := store.AddItem(context.Background(), owner, basket.Item{
		ProductID:    42,
		ProductName:  "Espresso Cup",
		Quantity:     2,
		UnitPrice:    decimal.RequireFromString("19.99"),
		PriceVersion: v0,
	})
	require.NoError(t, err)
	return store
}

func priceEvent(t *testing.T, price string, occurredAt time.Time) (event.PriceChangeEvent, []byte) {
	t.Helper()
	ev := event.NewPriceChanged(event.ProductSnapshot{
		ID: 42, Name: "Espresso Cup", Description: "white porcelain", Price: decimal.RequireFromString(price),
	}, nil, occurredAt)
	body, err := ev.Encode()
	require.NoError(t, err)
	return ev, body
}

type nackCall struct {
	requeue bool
	reason  string
}

// settleRecorder 记录一条投递的 ack / nack
type settleRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks []nackCall
}

func (r *settleRecorder) delivery(id string, body []byte, attempt int) *broker.Delivery {
	return broker.NewDelivery(broker.Message{ID: id, Body: body}, attempt,
		func() error {
			r.mu.Lock()
			r.acks++
			r.mu.Unlock()
			return nil
		},
		func(requeue bool, reason string) error {
			r.mu.Lock()
			r.nacks = append(r.nacks, nackCall{requeue: requeue, reason: reason})
			r.mu.Unlock()
			return nil
		})
}

type alertCall struct {
	eventID  string
	reason   string
	attempts int
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []alertCall
}

func (r *recordingReporter) DeadLettered(_ context.Context, eventID, reason string, attempts int) {
	r.mu.Lock()
	r.calls = append(r.calls, alertCall{eventID: eventID, reason: reason, attempts: attempts})
	r.mu.Unlock()
}

func (r *recordingReporter) Flush(time.Duration) {}

func (r *recordingReporter) snapshot() []alertCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alertCall(nil), r.calls...)
}

// flakyUpdater 前 failures 次调用返回错误，之后委托给真实 updater
type flakyUpdater struct {
	inner    PriceUpdater
	mu       sync.Mutex
	failures int
	calls    int
}

var errRedisBlip = errors.New("redis: connection refused")

func (f *flakyUpdater) ApplyPriceChange(ctx context.Context, ev event.PriceChangeEvent) (basket.ApplyResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail || f.inner == nil {
		return basket.ApplyResult{}, errRedisBlip
	}
	return f.inner.ApplyPriceChange(ctx, ev)
}

func (f *flakyUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// closingSubscriber 返回一个由测试控制关闭的 channel
type closingSubscriber struct {
	ch chan *broker.Delivery
}

func (s closingSubscriber) Subscribe(context.Context, string, string) (<-chan *broker.Delivery, error) {
	return s.ch, nil
}
