// Package ledger 记录已应用到购物车缓存的改价事件，重复投递据此变为 no-op
package ledger

import (
	"context"
	"time"
)

// Metadata 随记录保存的附加信息
type Metadata struct {
	ProductID    int64     `json:"productId"`
	PriceApplied string    `json:"priceApplied"`
	AppliedAt    time.Time `json:"appliedAt"`
	Consumer     string    `json:"consumer"`
}

// Ledger 幂等台账，按 (consumer, eventID) 去重，不同消费组互不影响。
// TryRecord 必须是原子的条件插入：返回 true 表示本次调用完成了插入，false 表示已有记录。
type Ledger interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	TryRecord(ctx context.Context, consumer, eventID string, meta Metadata) (bool, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}
