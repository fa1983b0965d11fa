package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/storefront/internal/event"
	"github.com/d60-Lab/storefront/internal/model"
)

func priceEvent(productID int64, price string) event.PriceChangeEvent {
	return event.NewPriceChanged(event.ProductSnapshot{
		ID: productID, Name: "p", Description: "d", Price: decimal.RequireFromString(price),
	}, nil, time.Now())
}

func stage(t *testing.T, db *gorm.DB, repo OutboxRepository, ev event.PriceChangeEvent) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.Stage(context.Background(), tx, ev)
	}))
}

func TestStageAndFetchPendingInOrder(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	first, second := priceEvent(1, "10"), priceEvent(1, "12")
	stage(t, db, repo, first)
	time.Sleep(2 * time.Millisecond)
	stage(t, db, repo, second)

	batch, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.EventID, batch[0].EventID)
	assert.Equal(t, second.EventID, batch[1].EventID)
	assert.Equal(t, event.TopicPriceChanged, batch[0].Topic)
	assert.Equal(t, int64(1), batch[0].AggregateID)

	decoded, err := event.Decode(batch[1].Payload)
	require.NoError(t, err)
	assert.True(t, decoded.Price.Equal(decimal.NewFromInt(12)))

	limited, err := repo.FetchPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStageRollsBackWithCallerTx(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := repo.Stage(ctx, tx, priceEvent(7, "1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStageDuplicateEventIDFails(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ev := priceEvent(3, "1")
	stage(t, db, repo, ev)

	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.Stage(context.Background(), tx, ev)
	})
	assert.Error(t, err)
}

func TestMarkDispatchedIsIdempotent(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ev := priceEvent(1, "10")
	stage(t, db, repo, ev)

	require.NoError(t, repo.MarkDispatched(ctx, ev.EventID))
	require.NoError(t, repo.MarkDispatched(ctx, ev.EventID))
	require.NoError(t, repo.MarkDispatched(ctx, "00000000-0000-0000-0000-000000000000"))

	var rec model.OutboxRecord
	require.NoError(t, db.First(&rec, "event_id = ?", ev.EventID).Error)
	assert.Equal(t, model.OutboxStatusDispatched, rec.Status)
	require.NotNil(t, rec.DispatchedAt)

	batch, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkFailedKeepsPending(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ev := priceEvent(1, "10")
	stage(t, db, repo, ev)

	require.NoError(t, repo.MarkFailed(ctx, ev.EventID, "broker unavailable"))
	require.NoError(t, repo.MarkFailed(ctx, ev.EventID, "timeout"))

	batch, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].Attempts)
	assert.Equal(t, "timeout", batch[0].LastError)
}

func TestPurgeDispatched(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	done, pending := priceEvent(1, "1"), priceEvent(2, "2")
	stage(t, db, repo, done)
	stage(t, db, repo, pending)
	require.NoError(t, repo.MarkDispatched(ctx, done.EventID))

	n, err := repo.PurgeDispatched(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PurgeDispatched(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestTransactionBindsRepository(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ev := priceEvent(1, "1")
	stage(t, db, repo, ev)

	boom := errors.New("rollback")
	err := repo.Transaction(ctx, func(tx OutboxRepository) error {
		batch, err := tx.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, tx.MarkDispatched(ctx, ev.EventID))
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rolled back dispatch must stay pending")
}

func TestClaimPendingLeasesRows(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	evs := []event.PriceChangeEvent{priceEvent(1, "10"), priceEvent(2, "11"), priceEvent(3, "12")}
	for _, ev := range evs {
		stage(t, db, repo, ev)
		time.Sleep(2 * time.Millisecond)
	}

	first, err := repo.ClaimPending(ctx, 2, time.Hour)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, evs[0].EventID, first[0].EventID)
	require.NotNil(t, first[0].ClaimedUntil)

	// 租约内的记录不会被再次认领
	second, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, evs[2].EventID, second[0].EventID)

	none, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, repo.Release(ctx, []string{first[1].EventID}))
	again, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, evs[1].EventID, again[0].EventID)

	// 仍是 pending，积压里能看到
	pending, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)
}

func TestExpiredClaimCanBeReclaimed(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ev := priceEvent(1, "10")
	stage(t, db, repo, ev)

	_, err := repo.ClaimPending(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	batch, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ev.EventID, batch[0].EventID)
}

func TestMarkClearsClaim(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ev := priceEvent(1, "10")
	stage(t, db, repo, ev)

	_, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, ev.EventID, "boom"))

	batch, err := repo.ClaimPending(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)

	require.NoError(t, repo.MarkDispatched(ctx, ev.EventID))
	var rec model.OutboxRecord
	require.NoError(t, db.First(&rec, "event_id = ?", ev.EventID).Error)
	assert.Equal(t, model.OutboxStatusDispatched, rec.Status)
	assert.Nil(t, rec.ClaimedUntil)
}
