package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore reads documents stored as plain string values under
// <Prefix><Bucket>/<key>.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	Bucket string
}

func (s RedisStore) redisKey(key string) string {
	if s.Bucket == "" {
		return s.Prefix + key
	}
	return s.Prefix + s.Bucket + "/" + key
}

func (s RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	raw, err := s.Client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

// Put is used by seeding tools and tests.
func (s RedisStore) Put(ctx context.Context, key string, doc []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	return s.Client.Set(ctx, s.redisKey(key), doc, 0).Err()
}
