package search

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCachePrefix = "musesearch:cache:"

// RedisStore keeps cache entries in Redis so multiple instances share one
// result cache. Redis expires entries natively from the ttl hint; capacity
// pressure is the server's concern, so Set never reports ErrStoreFull.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisCachePrefix+key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := r.client.Keys(ctx, redisCachePrefix+"*").Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, strings.TrimPrefix(key, redisCachePrefix))
	}
	return keys, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
