package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements StateStore with one Redis string per key
type RedisStore struct {
	client *redis.Client
	prefix string
	codec  Codec
	logger *zap.Logger
}

// NewRedisStore creates a state store whose keys live under prefix. The
// client is owned by the caller.
func NewRedisStore(client *redis.Client, prefix string, codec Codec, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		codec:  codec,
		logger: logger,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Load decodes the state stored under key
func (s *RedisStore) Load(ctx context.Context, key string, state interface{}) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if err := s.codec.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return nil
}

// Save stores state under key without expiry
func (s *RedisStore) Save(ctx context.Context, key string, state interface{}) error {
	data, err := s.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

// Clear deletes the state stored under key
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the caller
func (s *RedisStore) Close() error {
	return nil
}
