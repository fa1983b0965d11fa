package basket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/pkg/logger"
)

// ApplyResult 一次 ApplyPriceChange 的统计
type ApplyResult struct {
	Baskets   int // 重写的购物车数
	Repriced  int // 单价被覆盖的行数
	Stale     int // 已是更新或相同版本的行数
	Unindexed int // 购物车已不存在或已不含该商品而移除的索引项
}

func (r *ApplyResult) add(o ApplyResult) {
	r.Baskets += o.Baskets
	r.Repriced += o.Repriced
	r.Stale += o.Stale
	r.Unindexed += o.Unindexed
}

// Updater 按改价事件刷新缓存单价。每个购物车在 WATCH 下重写，
// 只有事件 occurredAt 严格大于行的 priceVersion 才覆盖，重投和乱序都无副作用。
type Updater struct {
	rdb         redis.UniversalClient
	maxRetries  int
	concurrency int
}

func NewUpdater(rdb redis.UniversalClient, maxRetries, concurrency int) *Updater {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Updater{rdb: rdb, maxRetries: maxRetries, concurrency: concurrency}
}

// ApplyPriceChange 先记录商品最新价格，再刷新索引下的所有购物车。
// 顺序不能反：记录之后才读索引，并发加购要么读到新价，要么已在索引里。
func (u *Updater) ApplyPriceChange(ctx context.Context, ev event.PriceChangeEvent) (ApplyResult, error) {
	if err := u.recordPrice(ctx, ev); err != nil {
		return ApplyResult{}, err
	}

	owners, err := u.rdb.SMembers(ctx, productIndexKey(ev.ProductID)).Result()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("load index for product %d: %w", ev.ProductID, err)
	}

	var (
		mu  sync.Mutex
		res ApplyResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, owner := range owners {
		owner := owner
		g.Go(func() error {
			r, err := u.applyOne(gctx, owner, ev)
			if err != nil {
				return err
			}
			mu.Lock()
			res.add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// recordPrice CAS 写 basket:price:{id}，只接受更新的 occurredAt
func (u *Updater) recordPrice(ctx context.Context, ev event.PriceChangeEvent) error {
	key := priceKey(ev.ProductID)
	err := optimistic(ctx, u.rdb, u.maxRetries, func(tx *redis.Tx) error {
		cur, err := loadPrice(ctx, tx, ev.ProductID)
		if err != nil {
			return err
		}
		if cur != nil && !ev.OccurredAt.After(cur.OccurredAt) {
			return nil
		}
		payload, err := json.Marshal(LatestPrice{
			Price:      ev.Price,
			Name:       ev.Name,
			ImageURL:   ev.ImageURL,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("record price for product %d: %w", ev.ProductID, err)
	}
	return nil
}

func (u *Updater) applyOne(ctx context.Context, owner string, ev event.PriceChangeEvent) (ApplyResult, error) {
	var res ApplyResult
	err := optimistic(ctx, u.rdb, u.maxRetries, func(tx *redis.Tx) error {
		res = ApplyResult{}
		b, err := load(ctx, tx, owner)
		if err != nil {
			return err
		}

		// 购物车已淘汰或商品已移除：在同一个 MULTI 里删索引项，并发加购不会丢
		if b == nil || b.Find(ev.ProductID) < 0 {
			res.Unindexed = 1
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SRem(ctx, productIndexKey(ev.ProductID), owner)
				return nil
			})
			return err
		}

		for i := range b.Items {
			line := &b.Items[i]
			if line.ProductID != ev.ProductID {
				continue
			}
			if !ev.OccurredAt.After(line.PriceVersion) {
				res.Stale++
				continue
			}
			line.UnitPrice = ev.Price
			line.PriceVersion = ev.OccurredAt
			line.ProductName = ev.Name
			line.ImageURL = ev.ImageURL
			res.Repriced++
		}
		if res.Repriced == 0 {
			return nil
		}

		b.Recalculate()
		b.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, basketKey(owner), payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			res.Baskets = 1
		}
		return err
	}, basketKey(owner))
	if err != nil {
		return ApplyResult{}, err
	}
	if res.Stale > 0 {
		logger.Debug("stale price change ignored",
			zap.String("owner", owner), zap.Int64("product_id", ev.ProductID), zap.String("event_id", ev.EventID))
	}
	return res, nil
}
