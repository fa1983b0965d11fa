// Package consumer 消费商品调价事件并刷新购物车缓存
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/storefront/internal/basket"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/ledger"
	"github.com/d60-Lab/storefront/pkg/alert"
	"github.com/d60-Lab/storefront/pkg/logger"
	"github.com/d60-Lab/storefront/pkg/metrics"
	"github.com/d60-Lab/storefront/pkg/tracing"
)

// ErrSubscriptionClosed 订阅在 ctx 仍有效时被 broker 关闭（连接断开等）
var ErrSubscriptionClosed = errors.New("subscription closed unexpectedly")

// Outcome 单条投递的处理结果，也是 metrics 的 outcome 标签
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// PriceUpdater 购物车改价
type PriceUpdater interface {
	ApplyPriceChange(ctx context.Context, ev event.PriceChangeEvent) (basket.ApplyResult, error)
}

type Config struct {
	Topic         string
	Group         string
	Concurrency   int
	HandleTimeout time.Duration
	// MaxAttempts 与 broker 保持一致，用于判断本次失败是否会进入死信
	MaxAttempts int
}

// PriceChangedConsumer 顺序：解码 → 查台账 → 改价 → 记台账 → ack。
// 台账在改价之后写，改价成功但记账失败时重投会再改一次，靠 priceVersion 保证无害。
type PriceChangedConsumer struct {
	sub     broker.Subscriber
	updater PriceUpdater
	ledger  ledger.Ledger
	alert   alert.Reporter
	metrics *metrics.Metrics
	cfg     Config
	tracer  trace.Tracer
}

func New(sub broker.Subscriber, updater PriceUpdater, l ledger.Ledger, reporter alert.Reporter, m *metrics.Metrics, cfg Config) *PriceChangedConsumer {
	if cfg.Topic == "" {
		cfg.Topic = event.TopicPriceChanged
	}
	if cfg.Group == "" {
		cfg.Group = "basket"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if reporter == nil {
		reporter = alert.Noop{}
	}
	return &PriceChangedConsumer{
		sub:     sub,
		updater: updater,
		ledger:  l,
		alert:   reporter,
		metrics: m,
		cfg:     cfg,
		tracer:  tracing.Tracer("consumer"),
	}
}

// Run 订阅并用 Concurrency 个 worker 处理，阻塞到 ctx 结束。
// ctx 结束后不再取新消息，已取到的处理完再返回。
func (c *PriceChangedConsumer) Run(ctx context.Context) error {
	deliveries, err := c.sub.Subscribe(ctx, c.cfg.Topic, c.cfg.Group)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", c.cfg.Topic, c.cfg.Group, err)
	}
	logger.Info("price change consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.Group),
		zap.Int("workers", c.cfg.Concurrency))

	// 处理中的消息不跟随 ctx 取消，避免半途放弃导致多一次重投
	handleCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.Handle(handleCtx, d)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		logger.Info("price change consumer stopped", zap.String("group", c.cfg.Group))
		return nil
	}
	return ErrSubscriptionClosed
}

// Handle 处理并结算一条投递
func (c *PriceChangedConsumer) Handle(ctx context.Context, d *broker.Delivery) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
	defer cancel()

	ctx = tracing.Extract(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, "price_changed.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", d.ID),
			attribute.Int("messaging.attempt", d.Attempt),
		))
	defer span.End()

	outcome := c.handle(ctx, d)

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeRetry || outcome == OutcomeDeadLettered {
		span.SetStatus(codes.Error, string(outcome))
	}
	c.metrics.ConsumerMessages.WithLabelValues(string(outcome)).Inc()
	c.metrics.ConsumerHandleMS.Observe(float64(time.Since(start).Milliseconds()))
	return outcome
}

func (c *PriceChangedConsumer) handle(ctx context.Context, d *broker.Delivery) Outcome {
	ev, err := event.Decode(d.Body)
	if err != nil {
		// 格式错误重试无意义，直接死信
		return c.deadLetter(ctx, d, d.ID, err.Error())
	}
	log := logger.With(
		zap.String("event_id", ev.EventID),
		zap.Int64("product_id", ev.ProductID),
		zap.Int("attempt", d.Attempt))

	seen, err := c.ledger.Seen(ctx, c.cfg.Group, ev.EventID)
	if err != nil {
		return c.fail(ctx, d, ev.EventID, fmt.Sprintf("ledger lookup: %v", err))
	}
	if seen {
		log.Debug("duplicate price change, skipped")
		c.ack(d, log)
		return OutcomeDuplicate
	}

	res, err := c.updater.ApplyPriceChange(ctx, ev)
	if err != nil {
		return c.fail(ctx, d, ev.EventID, fmt.Sprintf("apply price change: %v", err))
	}
	c.metrics.BasketRepriced.Add(float64(res.Repriced))
	c.metrics.BasketStale.Add(float64(res.Stale))

	inserted, err := c.ledger.TryRecord(ctx, c.cfg.Group, ev.EventID, ledger.Metadata{
		ProductID:    ev.ProductID,
		PriceApplied: ev.Price.String(),
		AppliedAt:    time.Now().UTC(),
	})
	if err != nil {
		return c.fail(ctx, d, ev.EventID, fmt.Sprintf("ledger record: %v", err))
	}
	if !inserted {
		log.Debug("price change recorded concurrently")
	}

	log.Info("price change applied",
		zap.String("price", ev.Price.String()),
		zap.Int("baskets", res.Baskets),
		zap.Int("repriced", res.Repriced),
		zap.Int("stale", res.Stale))
	c.ack(d, log)
	return OutcomeApplied
}

// fail 交给 broker 延迟重投；最后一次失败时 broker 会转入死信，这里顺带告警
func (c *PriceChangedConsumer) fail(ctx context.Context, d *broker.Delivery, eventID, reason string) Outcome {
	last := d.Attempt >= c.cfg.MaxAttempts
	logger.Warn("price change handling failed",
		zap.String("event_id", eventID),
		zap.Int("attempt", d.Attempt),
		zap.Bool("final", last),
		zap.String("reason", reason))

	if err := d.Nack(true, reason); err != nil {
		logger.Error("nack failed", zap.String("event_id", eventID), zap.Error(err))
	}
	if last {
		c.alert.DeadLettered(ctx, eventID, reason, d.Attempt)
		return OutcomeDeadLettered
	}
	return OutcomeRetry
}

func (c *PriceChangedConsumer) deadLetter(ctx context.Context, d *broker.Delivery, eventID, reason string) Outcome {
	if err := d.Nack(false, reason); err != nil {
		logger.Error("dead-letter failed", zap.String("event_id", eventID), zap.Error(err))
	}
	c.alert.DeadLettered(ctx, eventID, reason, d.Attempt)
	return OutcomeDeadLettered
}

func (c *PriceChangedConsumer) ack(d *broker.Delivery, log *zap.Logger) {
	if err := d.Ack(); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
