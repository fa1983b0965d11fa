package repository

import (
	"context"
	"testing"

	"gorm.io/gorm"
)

func BenchmarkOutboxStage(b *testing.B) {
	db := setupDB(b)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev := priceEvent(int64(i%1000)+1, "9.99")
		if err := db.Transaction(func(tx *gorm.DB) error { return repo.Stage(ctx, tx, ev) }); err != nil {
			b.Fatalf("stage: %v", err)
		}
	}
}

func BenchmarkOutboxFetchAndDispatch(b *testing.B) {
	db := setupDB(b)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	// 预置积压
	const backlog = 5000
	for i := 0; i < backlog; i++ {
		ev := priceEvent(int64(i%500)+1, "1.00")
		if err := db.Transaction(func(tx *gorm.DB) error { return repo.Stage(ctx, tx, ev) }); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch, err := repo.FetchPending(ctx, 100)
		if err != nil {
			b.Fatalf("fetch: %v", err)
		}
		if len(batch) == 0 {
			b.StopTimer()
			for j := 0; j < backlog; j++ {
				ev := priceEvent(int64(j%500)+1, "1.00")
				_ = db.Transaction(func(tx *gorm.DB) error { return repo.Stage(ctx, tx, ev) })
			}
			b.StartTimer()
			continue
		}
		for _, rec := range batch {
			_ = repo.MarkDispatched(ctx, rec.EventID)
		}
	}
}
