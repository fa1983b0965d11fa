package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/storefront/config"
	"github.com/d60-Lab/storefront/pkg/logger"
)

// Reporter 运维告警出口：消息进入死信时通知人工介入
type Reporter interface {
	DeadLettered(ctx context.Context, eventID, reason string, attempts int)
	Flush(timeout time.Duration)
}

// Noop 只写日志
type Noop struct{}

func (Noop) DeadLettered(_ context.Context, eventID, reason string, attempts int) {
	logger.Warn("event dead-lettered",
		zap.String("event_id", eventID), zap.String("reason", reason), zap.Int("attempts", attempts))
}

func (Noop) Flush(time.Duration) {}

// SentryReporter 通过独立 hub 上报，不污染全局 sentry 状态
type SentryReporter struct {
	hub *sentry.Hub
}

// New DSN 为空时返回 Noop
func New(cfg config.SentryConfig, release string) (Reporter, error) {
	if cfg.DSN == "" {
		return Noop{}, nil
	}
	return NewSentryReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
	})
}

func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) DeadLettered(_ context.Context, eventID, reason string, attempts int) {
	logger.Warn("event dead-lettered",
		zap.String("event_id", eventID), zap.String("reason", reason), zap.Int("attempts", attempts))

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event_id", eventID)
		scope.SetTag("kind", "dead_letter")
		scope.SetExtra("reason", reason)
		scope.SetExtra("attempts", attempts)
		r.hub.CaptureMessage(fmt.Sprintf("price change %s dead-lettered: %s", eventID, reason))
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) { r.hub.Flush(timeout) }
