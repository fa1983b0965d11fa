package service

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/internal/broker"
	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/model"
	"github.com/d60-Lab/storefront/internal/repository"
	"github.com/d60-Lab/storefront/pkg/logger"
	"github.com/d60-Lab/storefront/pkg/metrics"
	"github.com/d60-Lab/storefront/pkg/tracing"
)

// OutboxRelay 轮询（或被 Trigger 唤醒）拉取 pending 记录投递到 broker，
// broker 确认后才标记 dispatched。至少一次：确认后、标记前崩溃会重复投递同一 eventId。
type OutboxRelay struct {
	outbox  repository.OutboxRepository
	pub     broker.Publisher
	cfg     config.OutboxConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	tracer  trace.Tracer
	trigger chan struct{}
}

func NewOutboxRelay(outbox repository.OutboxRepository, pub broker.Publisher, cfg config.OutboxConfig, m *metrics.Metrics) *OutboxRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ClaimTTL <= cfg.PublishTimeout {
		cfg.ClaimTTL = cfg.PublishTimeout + time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &OutboxRelay{
		outbox:  outbox,
		pub:     pub,
		cfg:     cfg,
		limiter: limiter,
		metrics: m,
		tracer:  tracing.Tracer("outbox"),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger 非阻塞唤醒，合并重复信号
func (r *OutboxRelay) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start 启动投递循环；返回的停止函数等待正在进行的一轮结束
func (r *OutboxRelay) Start(ctx context.Context) func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx, stop)
	}()
	return func(stopCtx context.Context) error {
		close(stop)
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (r *OutboxRelay) loop(ctx context.Context, stop <-chan struct{}) {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	var cleanup <-chan time.Time
	if r.cfg.Retention > 0 && r.cfg.CleanupInterval > 0 {
		t := time.NewTicker(r.cfg.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-poll.C:
			r.drain(ctx)
		case <-r.trigger:
			r.drain(ctx)
		case <-cleanup:
			r.purge(ctx)
		}
	}
}

// drain 连续处理直到积压清空或本轮出错
func (r *OutboxRelay) drain(ctx context.Context) {
	for {
		n, err := r.ProcessOnce(ctx)
		if err != nil {
			logger.Warn("outbox relay cycle failed", zap.Error(err))
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

// ProcessOnce 处理一批：短事务认领后在事务外按 created_at 顺序投递，
// 遇到第一条失败即停止本批，失败记录保持 pending 下一轮重试。
// 租约快到期时也停止，剩余记录归还。返回成功投递的条数。
func (r *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := r.outbox.ClaimPending(ctx, r.cfg.BatchSize, r.cfg.ClaimTTL)
	if err != nil {
		return 0, err
	}
	deadline := time.Now().Add(r.cfg.ClaimTTL - r.cfg.PublishTimeout)

	sent := 0
	var publishErr error
	for i, rec := range batch {
		if time.Now().After(deadline) || r.limiter.Wait(ctx) != nil {
			r.release(ctx, batch[i:])
			break
		}
		if err := r.publish(ctx, rec); err != nil {
			publishErr = err
			r.metrics.OutboxPublishFailures.Inc()
			logger.Warn("outbox publish failed",
				zap.String("event_id", rec.EventID),
				zap.Int64("product_id", rec.AggregateID),
				zap.Int("attempts", rec.Attempts+1),
				zap.Error(err))
			if err := r.outbox.MarkFailed(context.WithoutCancel(ctx), rec.EventID, err.Error()); err != nil {
				logger.Warn("outbox mark failed", zap.String("event_id", rec.EventID), zap.Error(err))
			}
			r.release(ctx, batch[i+1:])
			break
		}
		// 已确认但标记失败：租约到期后重投同一 eventId，由消费端台账去重
		if err := r.outbox.MarkDispatched(context.WithoutCancel(ctx), rec.EventID); err != nil {
			r.release(ctx, batch[i+1:])
			return sent, err
		}
		sent++
		r.metrics.OutboxPublished.Inc()
	}

	if pending, err := r.outbox.CountPending(ctx); err == nil {
		r.metrics.OutboxPending.Set(float64(pending))
	}
	return sent, publishErr
}

func (r *OutboxRelay) release(ctx context.Context, rest []*model.OutboxRecord) {
	if len(rest) == 0 {
		return
	}
	ids := make([]string, len(rest))
	for i, rec := range rest {
		ids[i] = rec.EventID
	}
	if err := r.outbox.Release(context.WithoutCancel(ctx), ids); err != nil {
		logger.Warn("outbox release failed", zap.Strings("event_ids", ids), zap.Error(err))
	}
}

func (r *OutboxRelay) publish(ctx context.Context, rec *model.OutboxRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "outbox.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", rec.EventID),
			attribute.Int64("product.id", rec.AggregateID),
			attribute.String("messaging.destination", rec.Topic),
		))
	defer span.End()

	headers := map[string]string{broker.HeaderEventType: event.TypePriceChanged}
	tracing.Inject(ctx, headers)
	err := r.pub.Publish(ctx, rec.Topic, broker.Message{
		ID:      rec.EventID,
		Key:     strconv.FormatInt(rec.AggregateID, 10),
		Body:    rec.Payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *OutboxRelay) purge(ctx context.Context) {
	n, err := r.outbox.PurgeDispatched(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		logger.Warn("outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("outbox purged", zap.Int64("rows", n))
	}
}
