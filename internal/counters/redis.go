package counters

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Counters implementation on a shared Redis instance.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// ConnectRedis parses a redis:// URL, verifies the connection and
// returns a Counters backed by it.
func ConnectRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	if prefix == "" {
		prefix = "pubsched:ctr:"
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := r.prefix + key
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, full)
	if ttl > 0 {
		// NX: only stamp the expiry when the key is fresh, so the
		// window does not slide on every increment.
		pipe.ExpireNX(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *Redis) Close() error { return r.rdb.Close() }
