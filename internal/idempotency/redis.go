package idempotency

import (
	"context"
	"fmt"

	radix "github.com/mediocregopher/radix/v3"
)

const keyPrefix = "idem:"

// RedisStore keeps idempotency keys in Redis with the retention window as a
// native TTL, so no sweep loop is needed.
type RedisStore struct {
	client radix.Client
}

// NewRedisStore connects a pooled Redis client at addr.
func NewRedisStore(addr string) (*RedisStore, error) {
	pool, err := radix.NewPool("tcp", addr, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return &RedisStore{client: pool}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client radix.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var txID string
	if err := s.client.Do(radix.Cmd(&txID, "GET", keyPrefix+key)); err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	if txID == "" {
		return "", false, nil
	}
	return txID, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, transactionID string) error {
	ttlSeconds := fmt.Sprintf("%d", int(TTL.Seconds()))

	// SET NX is the create-if-absent primitive; an empty reply means the
	// key was already present.
	var reply string
	err := s.client.Do(radix.Cmd(&reply, "SET", keyPrefix+key, transactionID, "NX", "EX", ttlSeconds))
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if reply != "OK" {
		return ErrKeyExists
	}
	return nil
}

// Close releases the underlying pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
