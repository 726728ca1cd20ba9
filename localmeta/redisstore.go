package localmeta

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a durable Store backend built on Redis, grounded on the
// teacher's RedisCache: useful when several processes on the same machine
// (or the same device across app restarts sharing a sidecar) need to see
// the same metadata blob rather than each opening its own BadgerDB file.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(addr, prefix string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("localmeta: failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(reservedKey string) string {
	return s.prefix + reservedKey
}

// Load reads reservedKey's blob, reporting ok=false on redis.Nil.
func (s *RedisStore) Load(reservedKey string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(reservedKey)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localmeta: redis load failed: %w", err)
	}
	return data, true, nil
}

// Save overwrites reservedKey's blob, applying the store's TTL if set.
func (s *RedisStore) Save(reservedKey string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, s.key(reservedKey), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("localmeta: redis save failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
