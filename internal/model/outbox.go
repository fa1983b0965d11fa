package model

import "time"

const (
	OutboxStatusPending    = "pending"
	OutboxStatusDispatched = "dispatched"
)

// OutboxRecord 事件外发盒：与业务行同一事务写入，由 relay 投递到 broker
type OutboxRecord struct {
	EventID      string    `gorm:"primaryKey;type:varchar(36)"`
	Topic        string    `gorm:"type:varchar(128);not null"`
	AggregateID  int64     `gorm:"index:idx_outbox_aggregate"`
	Payload      []byte    `gorm:"not null"`
	Status       string    `gorm:"type:varchar(16);not null;index:idx_outbox_status_created,priority:1"` // pending, dispatched
	Attempts     int       `gorm:"not null;default:0"`
	LastError    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index:idx_outbox_status_created,priority:2"`
	DispatchedAt *time.Time
	ClaimedUntil *time.Time // relay 认领租约，NULL 或已过期表示可认领
}

func (OutboxRecord) TableName() string { return "outbox" }
