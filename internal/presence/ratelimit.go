package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"cotick/internal/core"
)

// RateLimitStore backs the HTTP chassis rate limiter with Redis counters.
// One counter per user, fixed window: INCR plus a window-long TTL set only
// when the key is first created.
type RateLimitStore struct {
	client redis.UniversalClient
}

// NewRateLimitStore creates a Redis-backed rate limit store.
func NewRateLimitStore(client redis.UniversalClient) *RateLimitStore {
	return &RateLimitStore{client: client}
}

func keyRateLimit(key string) string { return "ratelimit:" + key }

// IncrementAndCheck atomically increments the counter for the key and checks
// it against the limit. Errors are returned to the caller; the middleware
// fails open on them.
func (s *RateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	rk := keyRateLimit(key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rk)
		pipe.ExpireNX(ctx, rk, window)
		ttl = pipe.TTL(ctx, rk)
		return nil
	})
	if err != nil {
		return core.RateLimitResult{}, err
	}

	count := incr.Val()
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = window
	}

	return core.RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(resetIn),
	}, nil
}

// Compile-time interface assertion.
var _ core.RateLimitStore = (*RateLimitStore)(nil)
