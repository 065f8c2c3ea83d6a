package idempotency

import (
	"context"
	"errors"
	"time"
)

// TTL is how long a purchase idempotency key must remain retrievable.
// Expired keys simply execute as new requests, so the sweep is a storage
// concern, not a correctness one.
const TTL = 24 * time.Hour

// ErrKeyExists is returned by Put when the key is already mapped. Put must
// be create-if-absent, never an upsert: overwriting would silently reassign
// a key to a different transaction.
var ErrKeyExists = errors.New("idempotency key already exists")

// Store maps caller-supplied idempotency keys to committed transaction ids.
type Store interface {
	// Get returns the transaction id stored under key, and whether one exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put creates the mapping, failing with ErrKeyExists if key is taken.
	Put(ctx context.Context, key, transactionID string) error
}
