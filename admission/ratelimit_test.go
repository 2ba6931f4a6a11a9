package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(setupRedis(t), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.CheckAndIncrement(ctx, "shop-1")
		if err != nil {
			t.Fatalf("CheckAndIncrement #%d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
		if want := 3 - (i + 1); res.Remaining != want {
			t.Errorf("attempt %d Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, err := rl.CheckAndIncrement(ctx, "shop-1")
	if err != nil {
		t.Fatalf("CheckAndIncrement #4: %v", err)
	}
	if res.Allowed {
		t.Error("attempt 4 allowed, want denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", res.RetryAfter)
	}
}

func TestRateLimiterIsolatesTenants(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(setupRedis(t), 1)
	ctx := context.Background()

	if res, _ := rl.CheckAndIncrement(ctx, "shop-1"); !res.Allowed {
		t.Fatal("shop-1 first attempt denied")
	}
	if res, _ := rl.CheckAndIncrement(ctx, "shop-1"); res.Allowed {
		t.Fatal("shop-1 second attempt allowed")
	}
	// A different tenant has its own counter.
	if res, _ := rl.CheckAndIncrement(ctx, "shop-2"); !res.Allowed {
		t.Error("shop-2 first attempt denied")
	}
}

func TestRateLimiterWindowRollover(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	rl := NewRateLimiter(setupRedis(t), 1, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if res, _ := rl.CheckAndIncrement(ctx, "shop-1"); !res.Allowed {
		t.Fatal("first attempt denied")
	}
	if res, _ := rl.CheckAndIncrement(ctx, "shop-1"); res.Allowed {
		t.Fatal("second attempt in same window allowed")
	}

	// Advancing past the window boundary lands on a fresh counter key.
	now = now.Add(DefaultWindow)
	if res, _ := rl.CheckAndIncrement(ctx, "shop-1"); !res.Allowed {
		t.Error("attempt in next window denied")
	}
}

func TestRateLimiterDeniedAttemptStillCounts(t *testing.T) {
	t.Parallel()

	client := setupRedis(t)
	rl := NewRateLimiter(client, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := rl.CheckAndIncrement(ctx, "shop-1"); err != nil {
			t.Fatalf("CheckAndIncrement #%d: %v", i+1, err)
		}
	}

	val, err := client.Get(ctx, rl.key("shop-1")).Int64()
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if val != 5 {
		t.Errorf("counter = %d, want 5 (denied attempts consume slots)", val)
	}
}
