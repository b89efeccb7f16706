package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemoryCacheExpiresLazily(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "personas/engineer.json", "{}", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "forever", "x", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "personas/engineer.json"); err != nil || got != "{}" {
		t.Fatalf("get before expiry: %q %v", got, err)
	}
	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "personas/engineer.json"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
	if got, err := c.Get(ctx, "forever"); err != nil || got != "x" {
		t.Fatalf("expected non-expiring entry, got %q %v", got, err)
	}
	_ = c.Del(ctx, "forever")
	if _, err := c.Get(ctx, "forever"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil, "vmq:", zerolog.Nop()).(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache for nil client")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer client.Close()
	if _, ok := NewCache(ctx, client, "vmq:", zerolog.Nop()).(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache on ping failure")
	}
}

func TestRedisCachePrefixesKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache, ok := NewCache(ctx, client, "vmq:", zerolog.Nop()).(*RedisCache)
	if !ok {
		t.Fatal("expected RedisCache when ping succeeds")
	}
	if err := cache.Set(ctx, "actions/catalog.json", `{"version":"1"}`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if raw, err := mr.Get("vmq:actions/catalog.json"); err != nil || raw != `{"version":"1"}` {
		t.Fatalf("expected prefixed key in redis, got %q %v", raw, err)
	}
	if got, err := cache.Get(ctx, "actions/catalog.json"); err != nil || got != `{"version":"1"}` {
		t.Fatalf("get: %q %v", got, err)
	}
	_ = cache.Del(ctx, "actions/catalog.json")
	if _, err := cache.Get(ctx, "actions/catalog.json"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}
