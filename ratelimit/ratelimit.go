// Package ratelimit throttles attempts per key, such as login attempts per
// identifier. The memory limiter is a token bucket per key; the redis limiter
// is a fixed window counter shared by every process pointed at the same
// redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/fieldguard/errors"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
)

// ErrLimited is returned by callers that reject a request because a limiter
// said no.
var ErrLimited = errors.NewC("ratelimit: too many attempts", codes.ResourceExhausted).
	WithReason("RATE_LIMITED").
	WithPublicMessage("too many attempts, try again later")

// Limiter decides whether another attempt for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Stubbed in tests.
var timeFunc = time.Now

// idleTTL is how long an unused bucket is kept before it is pruned.
const idleTTL = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Memory is an in-process token bucket limiter.
type Memory struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

// NewMemory allows perMinute attempts per key with the given burst.
func NewMemory(perMinute, burst int) *Memory {
	if burst < 1 {
		burst = 1
	}
	return &Memory{
		limit:   rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:   burst,
		buckets: map[string]*bucket{},
	}
}

// Allow consumes a token from key's bucket.
func (m *Memory) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := timeFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

func (m *Memory) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < time.Minute {
		return
	}
	m.lastPrune = now
	for k, b := range m.buckets {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(m.buckets, k)
		}
	}
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
