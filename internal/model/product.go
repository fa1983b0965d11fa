package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product 商品（只保留价格传播需要的字段）
type Product struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	Name           string          `gorm:"type:varchar(100);not null;index:idx_product_name"`
	Description    string          `gorm:"type:text;not null"`
	ImageURL       *string         `gorm:"type:varchar(512)"`
	Price          decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	PriceUpdatedAt time.Time       // 最近一次价格变更事件的 occurredAt
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Product) TableName() string { return "products" }
