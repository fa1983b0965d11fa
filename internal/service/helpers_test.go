package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/pkg/database"
	"github.com/d60-Lab/storefront/pkg/metrics"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newMetrics() *metrics.Metrics { return metrics.New(prometheus.NewRegistry()) }

func relayConfig() config.OutboxConfig {
	return config.OutboxConfig{
		PollInterval:   time.Hour,
		BatchSize:      10,
		PublishTimeout: time.Second,
	}
}

// countingNotifier 记录 Trigger 次数
type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// failingOutbox Stage 总是失败，其余委托给真实仓储
type failingOutbox struct {
	repository.OutboxRepository
	err error
}

func (f failingOutbox) Stage(context.Context, *gorm.DB, event.PriceChangeEvent) error { return f.err }

// scriptedPublisher 按调用序号注入错误；afterPublish 表示先真正投递再报错（模拟确认丢失）
type scriptedPublisher struct {
	inner broker.Publisher

	mu           sync.Mutex
	calls        int
	failOn       map[int]error
	afterPublish bool
}

func (p *scriptedPublisher) Publish(ctx context.Context, topic string, msg broker.Message) error {
	p.mu.Lock()
	p.calls++
	err := p.failOn[p.calls]
	p.mu.Unlock()

	if err != nil && !p.afterPublish {
		return err
	}
	if pubErr := p.inner.Publish(ctx, topic, msg); pubErr != nil {
		return pubErr
	}
	return err
}
