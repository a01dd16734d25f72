package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "comfygate:snapshot:"

// RedisStore persists snapshots in Redis with a TTL matching the configured
// history retention, so abandoned sessions expire server-side.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(clientID string) string {
	return redisKeyPrefix + clientID
}

func (s *RedisStore) Load(ctx context.Context, clientID string) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis load snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisStore) Save(ctx context.Context, clientID string, snap *Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(clientID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("redis delete snapshot: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*RedisStore)(nil)
