package idempotency_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	radix "github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemarket/server/internal/idempotency"
)

func newRedisStore(t *testing.T) *idempotency.RedisStore {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	pool, err := radix.NewPool("tcp", addr, 2)
	if err != nil {
		t.Skipf("Skipping: redis unavailable at %s: %v", addr, err)
	}
	if err := pool.Do(radix.Cmd(nil, "PING")); err != nil {
		pool.Close()
		t.Skipf("Skipping: redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { pool.Close() })

	return idempotency.NewRedisStoreWithClient(pool)
}

func testKey(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestRedisStoreCreateIfAbsent(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	key := testKey(t)

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, key, "txn-1"))

	txID, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "txn-1", txID)

	// Second writer must lose; the first mapping survives
	err = store.Put(ctx, key, "txn-2")
	assert.ErrorIs(t, err, idempotency.ErrKeyExists)

	txID, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "txn-1", txID)
}

func TestRedisStoreKeysAreIndependent(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	keyA := testKey(t) + "-a"
	keyB := testKey(t) + "-b"

	require.NoError(t, store.Put(ctx, keyA, "txn-a"))
	require.NoError(t, store.Put(ctx, keyB, "txn-b"))

	txID, found, err := store.Get(ctx, keyA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "txn-a", txID)

	txID, found, err = store.Get(ctx, keyB)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "txn-b", txID)
}
