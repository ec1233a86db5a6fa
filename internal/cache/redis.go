package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Listings are invalidated on every job transition anyway; the TTL only
// bounds staleness when an invalidation is lost.
const defaultTTL = 30 * time.Second

const scanBatch = 200

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(redisURL string) (*Redis, error) {
	u := redisURL
	if u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	opt, err := redis.ParseURL(u)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opt), ttl: defaultTTL}, nil
}

// Get returns the cached bytes, or nil on a miss. A miss is not an error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	return r.client.Set(ctx, key, val, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeleteByPrefix removes every key under prefix, e.g. "jobs:<userID>:".
func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
