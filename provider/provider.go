// Package provider is the byte-store contract ledger/kvstore writes its
// records through.
//
// A Provider must hand back exactly the bytes it was given: no added
// metadata, no re-encoding. Stores that compress must decompress on Get.
// Keys under the "<namespace>:" prefix used by a kvstore belong to it;
// foreign values there fail wire validation.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned by callers when a store refused a write, which
// for a ledger record means data would be lost.
var ErrRejected = errors.New("provider: write rejected")

// Provider is a minimal byte store with TTLs. Safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means no expiry where the store supports
	// per-entry TTLs. cost may be ignored. ok=false means the store dropped
	// the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key; deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// Item is one key/value pair of a batch write.
type Item struct {
	Key   string
	Value []byte
}

// Batch is implemented by providers that can move several keys in one round
// trip. SetMany applies every write or none, which lets ledger/kvstore
// publish a transfer's records and its index together.
type Batch interface {
	// GetMany returns the values found; missing keys are absent from the map.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetMany stores items without expiry, atomically.
	SetMany(ctx context.Context, items []Item) error
}
