package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Store shared by every instance of the service.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: c, ttl: ttl}, nil
}

var _ Store = (*Redis)(nil)

// Claim implements Store.
func (r *Redis) Claim(ctx context.Context, key, messageID string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, key, messageID, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis: setnx: %w", err)
	}
	if ok {
		return "", true, nil
	}

	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, key, messageID, r.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis: setnx: %w", err)
		}
		if ok {
			return "", true, nil
		}
		existing, err = r.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: get: %w", err)
	}
	return existing, false, nil
}

// Release implements Store.
func (r *Redis) Release(ctx context.Context, key, messageID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, messageID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: release: %w", err)
	}
	return nil
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
