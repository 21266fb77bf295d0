package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisStore counts requests per key in Redis so the upload budget holds
// across replicas. Each window is one INCR-managed counter whose TTL doubles
// as the Retry-After hint once the limit is exceeded.
type redisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisStore(client redis.UniversalClient, timeout time.Duration) *redisStore {
	return &redisStore{client: client, timeout: timeout}
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if count == 1 {
		ttl := window
		if ttl < time.Second {
			ttl = time.Second
		}
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		// Missing or persistent keys report negative TTLs; fall back to a
		// full window rather than telling clients to retry immediately.
		return false, window, nil
	}
	return false, ttl, nil
}
