// Package replay remembers processed webhook deliveries so redeliveries are acknowledged without reprocessing.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by KVStore.Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// KVStore is the key-value backend; Redis in production, miniredis or a fake in tests.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore implements KVStore with go-redis.
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps a redis client.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

// Get implements KVStore.
func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

// Set implements KVStore.
func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Guard records delivery fingerprints for a bounded time.
type Guard struct {
	kv     KVStore
	ttl    time.Duration
	prefix string
}

// NewGuard constructs a Guard. Entries expire after ttl.
func NewGuard(kv KVStore, ttl time.Duration) *Guard {
	return &Guard{kv: kv, ttl: ttl, prefix: "healthsync:webhook:"}
}

// Fingerprint identifies a delivery by its signed body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Seen reports whether fingerprint was marked and has not expired.
func (g *Guard) Seen(ctx context.Context, fingerprint string) (bool, error) {
	_, err := g.kv.Get(ctx, g.prefix+fingerprint)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records fingerprint. Call it only after the delivery was processed successfully.
func (g *Guard) Mark(ctx context.Context, fingerprint string) error {
	return g.kv.Set(ctx, g.prefix+fingerprint, time.Now().UTC().Format(time.RFC3339), g.ttl)
}
