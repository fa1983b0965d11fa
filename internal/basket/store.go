package basket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidQuantity 加购数量必须为正
var ErrInvalidQuantity = errors.New("quantity must be positive")

// Store 购物车写路径与查询。写购物车时同步维护 basket:product:{id} 索引，
// Updater 据此定位受影响的购物车，不需要扫描。
type Store struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	maxRetries int
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Store{rdb: rdb, ttl: ttl, maxRetries: maxRetries}
}

// Get 没有缓存时返回空购物车
func (s *Store) Get(ctx context.Context, owner string) (*Basket, error) {
	b, err := load(ctx, s.rdb, owner)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &Basket{OwnerID: owner, Items: []Item{}}, nil
	}
	return b, nil
}

// AddItem 已有行累加数量，否则追加。只有版本更新的价格才覆盖缓存单价。
//
// 同时 WATCH basket:price:{id}：加购读 catalog 与写入之间若有改价被应用，
// 事务失败重试并取到新价；改价在写入之后应用时索引里已有本购物车。
func (s *Store) AddItem(ctx context.Context, owner string, item Item) (*Basket, error) {
	if item.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	var out *Basket
	err := optimistic(ctx, s.rdb, s.maxRetries, func(tx *redis.Tx) error {
		b, err := load(ctx, tx, owner)
		if err != nil {
			return err
		}
		latest, err := loadPrice(ctx, tx, item.ProductID)
		if err != nil {
			return err
		}
		in := item.withLatest(latest)

		if b == nil {
			b = &Basket{OwnerID: owner}
		}
		if i := b.Find(in.ProductID); i >= 0 {
			line := &b.Items[i]
			line.Quantity += in.Quantity
			if in.PriceVersion.After(line.PriceVersion) {
				line.UnitPrice = in.UnitPrice
				line.PriceVersion = in.PriceVersion
				line.ProductName = in.ProductName
				line.ImageURL = in.ImageURL
			}
		} else {
			b.Items = append(b.Items, in)
		}
		b.Recalculate()
		b.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, basketKey(owner), payload, s.ttl)
			pipe.SAdd(ctx, productIndexKey(in.ProductID), owner)
			return nil
		})
		out = b
		return err
	}, basketKey(owner), priceKey(item.ProductID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveItem 删除该商品行，行不存在时 no-op
func (s *Store) RemoveItem(ctx context.Context, owner string, productID int64) (*Basket, error) {
	var out *Basket
	err := optimistic(ctx, s.rdb, s.maxRetries, func(tx *redis.Tx) error {
		b, err := load(ctx, tx, owner)
		if err != nil {
			return err
		}
		if b == nil {
			out = &Basket{OwnerID: owner, Items: []Item{}}
			return nil
		}
		i := b.Find(productID)
		if i < 0 {
			out = b
			return nil
		}
		b.Items = append(b.Items[:i], b.Items[i+1:]...)
		b.Recalculate()
		b.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, basketKey(owner), payload, redis.KeepTTL)
			pipe.SRem(ctx, productIndexKey(productID), owner)
			return nil
		})
		out = b
		return err
	}, basketKey(owner))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete 结算后清除购物车及其索引
func (s *Store) Delete(ctx context.Context, owner string) error {
	return optimistic(ctx, s.rdb, s.maxRetries, func(tx *redis.Tx) error {
		b, err := load(ctx, tx, owner)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, basketKey(owner))
			if b != nil {
				for _, it := range b.Items {
					pipe.SRem(ctx, productIndexKey(it.ProductID), owner)
				}
			}
			return nil
		})
		return err
	}, basketKey(owner))
}
