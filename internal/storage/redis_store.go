package storage

import (
	"context"
	"fmt"
	"time"

	"purchasekit/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists key-value entries in Redis. Intended for server-side
// deployments of the SDK where several processes share one snapshot cache.
type RedisStore struct {
	client *redis.Client
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is not set")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	// No expiration: entries are last-known-good state, overwritten on the
	// next accepted snapshot rather than aged out.
	return s.client.Set(ctx, s.namespaced(key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.namespaced(key)).Err()
}

func (s *RedisStore) namespaced(key string) string {
	return fmt.Sprintf("purchasekit:%s", key)
}
