package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:event:"

// RedisLedger SET NX + TTL；过期即清理，Purge 无事可做
type RedisLedger struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

func NewRedisLedger(rdb redis.UniversalClient, retention time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, retention: retention}
}

func key(consumer, eventID string) string { return keyPrefix + consumer + ":" + eventID }

func (l *RedisLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger seen %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (l *RedisLedger) TryRecord(ctx context.Context, consumer, eventID string, meta Metadata) (bool, error) {
	meta.Consumer = consumer
	if meta.AppliedAt.IsZero() {
		meta.AppliedAt = time.Now().UTC()
	}
	val, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	ok, err := l.rdb.SetNX(ctx, key(consumer, eventID), val, l.retention).Result()
	if err != nil {
		return false, fmt.Errorf("ledger record %s: %w", eventID, err)
	}
	return ok, nil
}

func (l *RedisLedger) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

// Lookup 读回记录，运维排查用
func (l *RedisLedger) Lookup(ctx context.Context, consumer, eventID string) (*Metadata, error) {
	raw, err := l.rdb.Get(ctx, key(consumer, eventID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
