package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/storefront/pkg/database"
)

func newGorm(t *testing.T) *GormLedger {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewGormLedger(db)
}

func newRedis(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb, time.Hour), mr
}

// 两种实现跑同一组契约用例
func backends(t *testing.T) map[string]Ledger {
	r, _ := newRedis(t)
	return map[string]Ledger{"gorm": newGorm(t), "redis": r}
}

func TestTryRecordFirstCallWins(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			meta := Metadata{ProductID: 42, PriceApplied: "24.99"}

			seen, err := l.Seen(ctx, "basket", id)
			require.NoError(t, err)
			assert.False(t, seen)

			first, err := l.TryRecord(ctx, "basket", id, meta)
			require.NoError(t, err)
			assert.True(t, first)

			again, err := l.TryRecord(ctx, "basket", id, meta)
			require.NoError(t, err)
			assert.False(t, again)

			seen, err = l.Seen(ctx, "basket", id)
			require.NoError(t, err)
			assert.True(t, seen)
		})
	}
}

func TestTryRecordConcurrentSingleWinner(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.TryRecord(ctx, "basket", id, Metadata{ProductID: 1, PriceApplied: "1"})
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRecordsAreScopedPerConsumer(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()

			ok, err := l.TryRecord(ctx, "basket", id, Metadata{ProductID: 42})
			require.NoError(t, err)
			require.True(t, ok)

			seen, err := l.Seen(ctx, "wishlist", id)
			require.NoError(t, err)
			assert.False(t, seen)

			ok, err = l.TryRecord(ctx, "wishlist", id, Metadata{ProductID: 42})
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestGormPurge(t *testing.T) {
	l := newGorm(t)
	ctx := context.Background()
	old, fresh := uuid.NewString(), uuid.NewString()

	_, err := l.TryRecord(ctx, "basket", old, Metadata{ProductID: 1, AppliedAt: time.Now().Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = l.TryRecord(ctx, "basket", fresh, Metadata{ProductID: 1})
	require.NoError(t, err)

	n, err := l.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	seen, err := l.Seen(ctx, "basket", old)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = l.Seen(ctx, "basket", fresh)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisRecordExpiresAfterRetention(t *testing.T) {
	l, mr := newRedis(t)
	ctx := context.Background()
	id := uuid.NewString()

	ok, err := l.TryRecord(ctx, "basket", id, Metadata{ProductID: 9, PriceApplied: "3.50"})
	require.NoError(t, err)
	require.True(t, ok)

	meta, err := l.Lookup(ctx, "basket", id)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(9), meta.ProductID)
	assert.Equal(t, "3.50", meta.PriceApplied)
	assert.Equal(t, "basket", meta.Consumer)

	mr.FastForward(2 * time.Hour)
	seen, err := l.Seen(ctx, "basket", id)
	require.NoError(t, err)
	assert.False(t, seen)

	missing, err := l.Lookup(ctx, "basket", id)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisUnavailable(t *testing.T) {
	l, mr := newRedis(t)
	mr.Close()
	_, err := l.TryRecord(context.Background(), "basket", uuid.NewString(), Metadata{})
	assert.Error(t, err)
}

func TestStartCleanupStops(t *testing.T) {
	l := newGorm(t)
	stop := StartCleanup(l, time.Hour, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, stop(ctx))
}
