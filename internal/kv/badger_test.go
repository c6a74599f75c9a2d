package kv

import (
	"context"
	"testing"
	"time"
)

func openTestBadger(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := OpenBadger("", true, "test:")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBadgerGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := openTestBadger(t)

	got, err := c.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("miss should be nil, nil; got %q, %v", got, err)
	}

	if err := c.Set(ctx, "settings:algorithm", []byte(`{"likeWeight":2}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = c.Get(ctx, "settings:algorithm")
	if err != nil || string(got) != `{"likeWeight":2}` {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := c.Delete(ctx, "settings:algorithm"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := c.Get(ctx, "settings:algorithm"); got != nil {
		t.Errorf("expected key gone, got %q", got)
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("deleting a missing key should succeed: %v", err)
	}
}

func TestBadgerTTLExpires(t *testing.T) {
	ctx := context.Background()
	c := openTestBadger(t)

	if err := c.Set(ctx, "short", []byte("x"), time.Second); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Get(ctx, "short"); got == nil {
		t.Fatal("value should exist before expiry")
	}
	time.Sleep(2100 * time.Millisecond)
	if got, _ := c.Get(ctx, "short"); got != nil {
		t.Errorf("value should have expired, got %q", got)
	}
}

func TestBadgerDeleteByPattern(t *testing.T) {
	ctx := context.Background()
	c := openTestBadger(t)

	for _, k := range []string{"feed:page:1:20", "feed:page:2:20", "feed:page:1:50", "settings:algorithm", "feedback"} {
		if err := c.Set(ctx, k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.DeleteByPattern(ctx, "feed:*")
	if err != nil {
		t.Fatalf("DeleteByPattern: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deletions, got %d", n)
	}
	for _, k := range []string{"settings:algorithm", "feedback"} {
		if got, _ := c.Get(ctx, k); got == nil {
			t.Errorf("%s should survive", k)
		}
	}

	n, err = c.DeleteByPattern(ctx, "nothing:*")
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got %d, %v", n, err)
	}
}

func TestLiteralPrefix(t *testing.T) {
	tests := map[string]string{
		"feed:*":    "feed:",
		"a:b:?x":    "a:b:",
		"plain":     "plain",
		"*":         "",
		"x:[abc]:*": "x:",
	}
	for in, want := range tests {
		if got := literalPrefix(in); got != want {
			t.Errorf("literalPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
