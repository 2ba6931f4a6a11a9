package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the fixed rate-limit window length.
const DefaultWindow = time.Minute

// RateLimitResult is the outcome of one CheckAndIncrement call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the window boundary. Set only on denial.
	RetryAfter time.Duration
}

// RateLimiter is a fixed-window per-tenant admission counter over the shared
// Redis counter store. The window key derives from wall-clock epoch divided
// by the window length, so every process instance counts against the same
// window regardless of local timer skew. Counters self-expire after one
// window length.
type RateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration

	// now is the time source, replaceable in tests.
	now func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.window = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a limiter allowing limit admissions per tenant per
// window. The caller owns the Redis client lifecycle.
func NewRateLimiter(client redis.UniversalClient, limit int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		client: client,
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// CheckAndIncrement counts this admission attempt against the tenant's
// current window and reports whether it is allowed. The increment happens
// unconditionally: a denied attempt still consumed its slot.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, tenantID string) (RateLimitResult, error) {
	key := rl.key(tenantID)

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("admission: rate limit incr: %w", err)
	}

	// Arm the expiry on the first hit in a window so stale counters
	// self-clean even if the process dies mid-window.
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("admission: rate limit expire: %w", err)
		}
	}

	if count > int64(rl.limit) {
		ttl, err := rl.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = rl.window
		}
		return RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: true, Remaining: remaining}, nil
}

// key returns the counter key for the tenant's current window: epoch
// seconds divided by the window length.
func (rl *RateLimiter) key(tenantID string) string {
	windowStart := rl.now().Unix() / int64(rl.window.Seconds())
	return fmt.Sprintf("ratelimit:%s:%d", tenantID, windowStart)
}
