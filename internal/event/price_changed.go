package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// TypePriceChanged 逻辑事件名
	TypePriceChanged = "ProductPriceChanged"
	// TopicPriceChanged broker 上的 topic / routing key
	TopicPriceChanged = "catalog.product.price_changed"
)

// ErrMalformed 永久性错误：解码或校验失败，重试没有意义
var ErrMalformed = errors.New("malformed event")

var validate = validator.New()

// PriceChangeEvent 商品价格变更事实，创建后不可变
type PriceChangeEvent struct {
	EventID     string           `json:"eventId" validate:"required,uuid"`
	ProductID   int64            `json:"productId" validate:"gt=0"`
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description" validate:"required"`
	ImageURL    *string          `json:"imageUrl"`
	Price       decimal.Decimal  `json:"price"`
	OldPrice    *decimal.Decimal `json:"oldPrice,omitempty"`
	OccurredAt  time.Time        `json:"occurredAt" validate:"required"`
}

// ProductSnapshot 构造事件所需的商品字段
type ProductSnapshot struct {
	ID          int64
	Name        string
	Description string
	ImageURL    *string
	Price       decimal.Decimal
}

// NewPriceChanged 为一次新的价格变更生成事件，eventId 每次都是新的
func NewPriceChanged(p ProductSnapshot, oldPrice *decimal.Decimal, occurredAt time.Time) PriceChangeEvent {
	return PriceChangeEvent{
		EventID:     uuid.New().String(),
		ProductID:   p.ID,
		Name:        p.Name,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		Price:       p.Price,
		OldPrice:    oldPrice,
		OccurredAt:  occurredAt.UTC(),
	}
}

// Validate 校验必填字段与价格
func (e PriceChangeEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrMalformed, e.Price)
	}
	return nil
}

// Encode 序列化为线上格式
func (e PriceChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// wire 只用于解码，区分 "price 缺失" 和 "price 为 0"
type wire struct {
	PriceChangeEvent
	Price *decimal.Decimal `json:"price"`
}

// Decode 解析并校验；未知字段忽略
func Decode(body []byte) (PriceChangeEvent, error) {
	var w wire
	if err := json.Unmarshal(body, &w); err != nil {
		return PriceChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Price == nil {
		return PriceChangeEvent{}, fmt.Errorf("%w: price is required", ErrMalformed)
	}
	ev := w.PriceChangeEvent
	ev.Price = *w.Price
	if err := ev.Validate(); err != nil {
		return PriceChangeEvent{}, err
	}
	return ev, nil
}
