package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "compose:blob:"

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps blobs as Redis string values, for deployments where the
// dispatcher and runners do not share a filesystem.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Download(ctx context.Context, p string) ([]byte, error) {
	if err := CheckPath(p); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, redisKeyPrefix+p).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Upload(ctx context.Context, data []byte, p string) (string, error) {
	if err := CheckPath(p); err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+p, data, 0).Err(); err != nil {
		return "", fmt.Errorf("set blob: %w", err)
	}
	return p, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
