package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"homepulse/core-go/internal/health"
)

func TestHealthCache_NilIsNoop(t *testing.T) {
	var c *HealthCache
	if err := c.Set(context.Background(), health.Result{DeviceID: "d1"}); err != nil {
		t.Fatalf("expected nil cache set to be a no-op, got %v", err)
	}
	if _, ok, err := c.Get(context.Background(), "d1"); ok || err != nil {
		t.Fatalf("expected nil cache miss, got ok=%v err=%v", ok, err)
	}
}

func TestHealthCache_Redis_RoundTrip(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("TEST_REDIS_URL"))
	if url == "" {
		t.Skip("TEST_REDIS_URL not set; skipping Redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewHealthCache(rdb, time.Minute)
	id := "test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = c.Delete(context.Background(), id) })

	if _, ok, err := c.Get(ctx, id); ok || err != nil {
		t.Fatalf("expected miss before set, got ok=%v err=%v", ok, err)
	}
	want := health.Result{DeviceID: id, Overall: 87.5, Status: health.StatusGood}
	if err := c.Set(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Overall != 87.5 || got.Status != health.StatusGood {
		t.Fatalf("unexpected cached result %+v", got)
	}
	ttl, err := rdb.TTL(ctx, key(id)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within a minute, got %v (%v)", ttl, err)
	}
}
