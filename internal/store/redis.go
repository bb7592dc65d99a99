package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voyapay/rate-engine/internal/model"
)

// RedisSnapshotStore implements SnapshotRepository with one persistent JSON
// document per period. Each publication replaces the document with a single
// SET, so readers always see a fully written snapshot.
type RedisSnapshotStore struct {
	rdb *redis.Client
}

// NewRedisSnapshotStore creates a Redis-backed snapshot document store.
func NewRedisSnapshotStore(rdb *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb}
}

func snapshotDocKey(p model.Period) string { return fmt.Sprintf("ranking:doc:%s", p) }

func (s *RedisSnapshotStore) PublishSnapshot(ctx context.Context, snap *model.RankingSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.Period, err)
	}
	// No TTL: the document store is the durable home of the snapshot.
	if err := s.rdb.Set(ctx, snapshotDocKey(snap.Period), data, 0).Err(); err != nil {
		return fmt.Errorf("publish snapshot %s: %w", snap.Period, ErrStoreUnavailable)
	}
	return nil
}

func (s *RedisSnapshotStore) GetSnapshot(ctx context.Context, period model.Period) (*model.RankingSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotDocKey(period)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("snapshot %s: %w", period, ErrNotFound)
		}
		return nil, fmt.Errorf("snapshot %s: %w", period, ErrStoreUnavailable)
	}

	var snap model.RankingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", period, err)
	}
	return &snap, nil
}
