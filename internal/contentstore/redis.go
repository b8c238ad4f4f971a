package contentstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the content-addressed store with Redis so multiple
// registry pods resolve the same blobs. Keys never expire: blobs are
// immutable and superseded entries must stay resolvable by old hashes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed content store.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "mesh:blob:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Put(ctx context.Context, blob []byte) (string, error) {
	hash := Hash(blob)
	key := s.keyPrefix + hash

	// SETNX keeps the first write; identical content hashes to identical
	// bytes, so losing the race is harmless.
	set, err := s.client.SetNX(ctx, key, blob, 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis SETNX blob: %w", err)
	}
	if set {
		slog.Debug("content store: stored blob", "hash", hash, "bytes", len(blob))
	}
	return hash, nil
}

func (s *RedisStore) Get(ctx context.Context, hash string) ([]byte, error) {
	key := s.keyPrefix + hash
	blob, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET blob: %w", err)
	}

	if Hash(blob) != hash {
		return nil, fmt.Errorf("contentstore: blob %s failed integrity check", hash)
	}
	return blob, nil
}
