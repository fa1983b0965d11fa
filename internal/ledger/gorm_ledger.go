package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/storefront/internal/model"
)

// GormLedger processed_events 表，(consumer, event_id) 联合主键保证唯一
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger { return &GormLedger{db: db} }

func (l *GormLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	var cnt int64
	if err := l.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("consumer = ? AND event_id = ?", consumer, eventID).
		Count(&cnt).Error; err != nil {
		return false, fmt.Errorf("ledger seen %s: %w", eventID, err)
	}
	return cnt > 0, nil
}

func (l *GormLedger) TryRecord(ctx context.Context, consumer, eventID string, meta Metadata) (bool, error) {
	appliedAt := meta.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}
	rec := &model.ProcessedEvent{
		EventID:      eventID,
		ProductID:    meta.ProductID,
		PriceApplied: meta.PriceApplied,
		Consumer:     consumer,
		AppliedAt:    appliedAt.UTC(),
	}
	// 重复插入不报错，靠 RowsAffected 判断谁是第一个
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("ledger record %s: %w", eventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *GormLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("applied_at < ?", before.UTC()).
		Delete(&model.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
