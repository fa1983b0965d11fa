// Package basket Redis 中的购物车缓存：加购/删除写路径，以及按改价事件刷新缓存单价的 Updater
package basket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrConflict 乐观事务重试次数用完仍被并发写覆盖
var ErrConflict = errors.New("basket update conflict: retries exhausted")

// Item 购物车中的一行。PriceVersion 为最后一次写入单价对应的 occurredAt
type Item struct {
	ProductID    int64           `json:"productId"`
	ProductName  string          `json:"productName"`
	ImageURL     *string         `json:"imageUrl,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	PriceVersion time.Time       `json:"priceVersion"`
}

// withLatest 已应用过更新的价格时用它替换 catalog 读到的旧价
func (it Item) withLatest(p *LatestPrice) Item {
	if p == nil || !p.OccurredAt.After(it.PriceVersion) {
		return it
	}
	it.UnitPrice = p.Price
	it.PriceVersion = p.OccurredAt
	it.ProductName = p.Name
	it.ImageURL = p.ImageURL
	return it
}

// Basket 存在 basket:{ownerId} 下的 JSON
type Basket struct {
	OwnerID   string          `json:"ownerId"`
	Items     []Item          `json:"items"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Recalculate Total = Σ unitPrice × quantity
func (b *Basket) Recalculate() {
	total := decimal.Zero
	for _, it := range b.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	b.Total = total
}

// Find 返回 productID 所在行下标，没有返回 -1
func (b *Basket) Find(productID int64) int {
	for i := range b.Items {
		if b.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// LatestPrice basket:price:{productId}，Updater 最近一次应用的价格。
// 加购时和 catalog 返回的版本比较，取较新的一个。
type LatestPrice struct {
	Price      decimal.Decimal `json:"price"`
	Name       string          `json:"name"`
	ImageURL   *string         `json:"imageUrl,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func basketKey(owner string) string { return "basket:" + owner }

func productIndexKey(productID int64) string { return fmt.Sprintf("basket:product:%d", productID) }

func priceKey(productID int64) string { return fmt.Sprintf("basket:price:%d", productID) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load 通过 client 或 WATCH 事务读取购物车，不存在返回 (nil, nil)
func load(ctx context.Context, c getter, owner string) (*Basket, error) {
	raw, err := c.Get(ctx, basketKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get basket %s: %w", owner, err)
	}
	var b Basket
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode basket %s: %w", owner, err)
	}
	return &b, nil
}

// loadPrice 读取商品最近应用的价格，从未改价返回 (nil, nil)
func loadPrice(ctx context.Context, c getter, productID int64) (*LatestPrice, error) {
	raw, err := c.Get(ctx, priceKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest price %d: %w", productID, err)
	}
	var p LatestPrice
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode latest price %d: %w", productID, err)
	}
	return &p, nil
}

// optimistic 在 WATCH keys 下执行 fn，EXEC 前 key 被改过则重试
func optimistic(ctx context.Context, rdb redis.UniversalClient, maxRetries int, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxRetries; i++ {
		err := rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, keys[0])
}
