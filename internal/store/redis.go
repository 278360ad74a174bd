package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis strings and sets with native TTLs.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client returns the underlying Redis client so other components (the
// pulse bus) can share the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping checks the server connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return b, nil
}

// Set stores value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Take returns and removes the value under key using GETDEL.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return b, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// AddToIndex adds member to the set named index and refreshes its TTL.
func (s *RedisStore) AddToIndex(ctx context.Context, index, member string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, index, member)
	if ttl > 0 {
		pipe.Expire(ctx, index, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add to index %s: %w", index, err)
	}
	return nil
}

// RemoveFromIndex removes member from the set named index.
func (s *RedisStore) RemoveFromIndex(ctx context.Context, index, member string) error {
	if err := s.rdb.SRem(ctx, index, member).Err(); err != nil {
		return fmt.Errorf("remove from index %s: %w", index, err)
	}
	return nil
}

// Members returns the members of the set named index.
func (s *RedisStore) Members(ctx context.Context, index string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", index, err)
	}
	return members, nil
}

// CountPrefix counts keys matching prefix using SCAN so large keyspaces do
// not block the server. SCAN may return a key more than once.
func (s *RedisStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	seen := make(map[string]struct{})
	iter := s.rdb.Scan(ctx, 0, globEscape(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count %s: %w", prefix, err)
	}
	return len(seen), nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}
