package ratelimit

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRateLimiter_AllowReducesTokens(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, "test:ratelimit:", 10, 2)
	allowed, _, err := limiter.Allow(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected first request to be allowed")
	}

	tokensStr, err := rdb.HGet(context.Background(), "test:ratelimit:1.2.3.4", "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestRateLimiter_DeniesWhenBucketEmpty(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, "test:ratelimit:", 1, 1)
	if allowed, _, err := limiter.Allow(context.Background(), "ip"); err != nil || !allowed {
		t.Fatalf("warm allow: allowed=%v err=%v", allowed, err)
	}

	allowed, waitMs, err := limiter.Allow(context.Background(), "ip")
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected empty bucket to deny")
	}
	if waitMs <= 0 {
		t.Fatalf("expected positive wait hint, got %d", waitMs)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, "test:ratelimit:", 1, 1)
	if allowed, _, _ := limiter.Allow(context.Background(), "a"); !allowed {
		t.Fatalf("expected bucket a to allow")
	}
	if allowed, _, _ := limiter.Allow(context.Background(), "b"); !allowed {
		t.Fatalf("expected bucket b to be unaffected by a")
	}
}

func TestRateLimiter_NilLimiterAlwaysAllows(t *testing.T) {
	var limiter *RateLimiter
	allowed, _, err := limiter.Allow(context.Background(), "x")
	if err != nil || !allowed {
		t.Fatalf("nil limiter should allow: allowed=%v err=%v", allowed, err)
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}
