package kv

import (
	"context"
	"os"
	"testing"
	"time"
)

// Requires a reachable redis; set FEEDRANK_TEST_REDIS=host:port to run.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("FEEDRANK_TEST_REDIS")
	if addr == "" {
		t.Skip("FEEDRANK_TEST_REDIS not set")
	}
	ctx := context.Background()
	c, err := NewRedis(ctx, RedisOptions{Addr: addr, Prefix: "feedrank-test:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer c.Close()

	if got, err := c.Get(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("miss should be nil, nil; got %q, %v", got, err)
	}
	for _, k := range []string{"feed:page:1:20", "feed:page:2:20", "settings:algorithm"} {
		if err := c.Set(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	n, err := c.DeleteByPattern(ctx, "feed:*")
	if err != nil || n != 2 {
		t.Errorf("DeleteByPattern = %d, %v", n, err)
	}
	if got, _ := c.Get(ctx, "settings:algorithm"); string(got) != "v" {
		t.Errorf("settings key should survive, got %q", got)
	}
	_ = c.Delete(ctx, "settings:algorithm")
}
