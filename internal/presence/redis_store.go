package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every individual store operation so a slow Redis cannot
// stall a connection callback or a reconciler pass indefinitely.
const opTimeout = 2 * time.Second

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a Redis client as a presence Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// SetWithTTL writes key=value with the given expiry.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the value for key. A missing or expired key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Keys returns all keys matching pattern.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: keys %s: %v", ErrUnavailable, pattern, err)
	}
	return keys, nil
}
