package basket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/storefront/internal/event"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func line(productID int64, qty int, price string, version int64) Item {
	return Item{
		ProductID:    productID,
		ProductName:  "product",
		Quantity:     qty,
		UnitPrice:    dec(price),
		PriceVersion: at(version),
	}
}

func priceChange(productID int64, price string, occurredAt int64) event.PriceChangeEvent {
	return event.PriceChangeEvent{
		EventID:     uuid.NewString(),
		ProductID:   productID,
		Name:        "product v2",
		Description: "desc",
		Price:       dec(price),
		OccurredAt:  at(occurredAt),
	}
}

func seed(t *testing.T, s *Store, owner string, items ...Item) {
	t.Helper()
	for _, it := range items {
		_, err := s.AddItem(context.Background(), owner, it)
		require.NoError(t, err)
	}
}
