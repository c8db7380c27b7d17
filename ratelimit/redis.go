package ratelimit

import (
	"context"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/redis/go-redis/v9"
)

var allowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Redis is a fixed window limiter backed by redis.
type Redis struct {
	client redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

// NewRedis allows limit attempts per key in each window.
func NewRedis(client redis.Scripter, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, limit: limit, window: window, prefix: "fieldguard:ratelimit:"}
}

// Allow increments key's counter for the current window.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	current, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, errors.WrapPrefix(err, "ratelimit: redis", 0)
	}
	return current <= int64(r.limit), nil
}
