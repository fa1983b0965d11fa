package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/model"
)

// OutboxRepository 事件外发盒仓储
type OutboxRepository interface {
	// Stage 在调用方事务里写入一条 pending 记录；出错时调用方事务必须回滚
	Stage(ctx context.Context, tx *gorm.DB, ev event.PriceChangeEvent) error

	// FetchPending 按 created_at 升序取一批 pending 记录，postgres 上 FOR UPDATE SKIP LOCKED
	FetchPending(ctx context.Context, limit int) ([]*model.OutboxRecord, error)

	// ClaimPending 短事务内认领一批未被占用的 pending 记录并写入租约，提交后行锁即释放
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxRecord, error)

	// Release 归还未处理完的认领，下一轮按原顺序重新取到
	Release(ctx context.Context, eventIDs []string) error

	// MarkDispatched 幂等：已投递或不存在都不报错
	MarkDispatched(ctx context.Context, eventID string) error

	// MarkFailed 累加失败次数并记录原因，状态保持 pending
	MarkFailed(ctx context.Context, eventID, reason string) error

	// PurgeDispatched 删除 before 之前已投递的记录
	PurgeDispatched(ctx context.Context, before time.Time) (int64, error)

	// CountPending 积压数量
	CountPending(ctx context.Context) (int64, error)

	// Transaction 在一个事务里执行 fn，fn 拿到绑定该事务的仓储
	Transaction(ctx context.Context, fn func(repo OutboxRepository) error) error
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository 创建外发盒仓储
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Stage(ctx context.Context, tx *gorm.DB, ev event.PriceChangeEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	rec := &model.OutboxRecord{
		EventID:     ev.EventID,
		Topic:       event.TopicPriceChanged,
		AggregateID: ev.ProductID,
		Payload:     payload,
		Status:      model.OutboxStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("stage outbox %s: %w", ev.EventID, err)
	}
	return nil
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	var batch []*model.OutboxRecord
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Order("event_id ASC").
		Limit(limit).
		Find(&batch).Error
	return batch, err
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxRecord, error) {
	var batch []*model.OutboxRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", model.OutboxStatusPending).
			Where("claimed_until IS NULL OR claimed_until < ?", now).
			Order("created_at ASC").
			Order("event_id ASC").
			Limit(limit).
			Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		until := now.Add(lease)
		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.EventID
			rec.ClaimedUntil = &until
		}
		return tx.Model(&model.OutboxRecord{}).
			Where("event_id IN ?", ids).
			Update("claimed_until", until).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return batch, nil
}

func (r *outboxRepository) Release(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("event_id IN ? AND status = ?", eventIDs, model.OutboxStatusPending).
		Update("claimed_until", nil).Error
}

func (r *outboxRepository) MarkDispatched(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("event_id = ? AND status = ?", eventID, model.OutboxStatusPending).
		Updates(map[string]any{"status": model.OutboxStatusDispatched, "dispatched_at": now, "claimed_until": nil}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, eventID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("event_id = ? AND status = ?", eventID, model.OutboxStatusPending).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": reason, "claimed_until": nil}).Error
}

func (r *outboxRepository) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND dispatched_at < ?", model.OutboxStatusDispatched, before.UTC()).
		Delete(&model.OutboxRecord{})
	return res.RowsAffected, res.Error
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxRecord{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&n).Error
	return n, err
}

func (r *outboxRepository) Transaction(ctx context.Context, fn func(repo OutboxRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&outboxRepository{db: tx})
	})
}
