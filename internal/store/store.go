package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is a keyed byte store with per-key expiry and named membership
// indexes. Sessions and mirrored pending requests live here.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take atomically returns and removes the value under key. Of several
	// concurrent callers at most one receives the value; the rest get
	// ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// AddToIndex adds member to the named index and resets the index expiry.
	AddToIndex(ctx context.Context, index, member string, ttl time.Duration) error
	RemoveFromIndex(ctx context.Context, index, member string) error
	Members(ctx context.Context, index string) ([]string, error)

	// CountPrefix counts live keys beginning with prefix.
	CountPrefix(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
