package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	key := "ana@vaultmesh.io"

	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 || d.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", d)
	}
	if d := limiter.Allow(ctx, key, 2); d.Allowed || d.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", d)
	}
	now = now.Add(time.Minute)
	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	d := NewInMemory(0).Allow(context.Background(), "k", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if d := limiter.Allow(ctx, "u1", 2); !d.Allowed || d.Count != i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if d := limiter.Allow(ctx, "u1", 2); d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected third call rejected, got %+v", d)
	}
	if !mr.Exists("rl:u1") {
		t.Fatal("expected prefixed counter key")
	}
	mr.FastForward(time.Minute)
	if d := limiter.Allow(ctx, "u1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after expiry, got %+v", d)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	limiter := NewRedis(client, time.Minute, zerolog.Nop())
	mr.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "u2", 1)
	if d := limiter.Allow(ctx, "u2", 1); d.Allowed || d.Count != 2 {
		t.Fatalf("expected in-memory fallback to count, got %+v", d)
	}

	noClient := &RedisLimiter{Window: time.Minute}
	if d := noClient.Allow(ctx, "u3", 3); !d.Allowed || d.Remaining != 3 {
		t.Fatalf("expected permissive decision without fallback, got %+v", d)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	h := Middleware(limiter, 1, func(r *http.Request) string { return r.Header.Get("X-User") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/actions/invoke", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := call("ana"); rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected first response %d %v", rr.Code, rr.Header())
	}
	rr := call("ana")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rr.Code, rr.Header())
	}
	if rr := call(""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected bypass for empty key, got %d", rr.Code)
	}
}
