package model

import "time"

// ProcessedEvent 幂等台账：(consumer, event_id) 唯一，存在即表示该消费组已应用
type ProcessedEvent struct {
	Consumer     string    `gorm:"primaryKey;type:varchar(64)"`
	EventID      string    `gorm:"primaryKey;type:varchar(36)"`
	ProductID    int64     `gorm:"index:idx_processed_product"`
	PriceApplied string    `gorm:"type:varchar(32)"`
	AppliedAt    time.Time `gorm:"index:idx_processed_applied"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
