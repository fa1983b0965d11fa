package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/storefront/pkg/logger"
)

// StartCleanup 定期删除超过保留期的记录，返回停止函数
func StartCleanup(l Ledger, retention, interval time.Duration) func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := l.Purge(context.Background(), time.Now().Add(-retention))
				if err != nil {
					logger.Warn("ledger purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("ledger purged", zap.Int64("rows", n))
				}
			}
		}
	}()
	return func(ctx context.Context) error {
		close(stop)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
