package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
)

func TestInMemoryCacheGetSet(t *testing.T) {
	c := NewInMemoryCache(0)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown fingerprint")
	}

	result := &domain.Result{Text: "package main"}
	if err := c.Set(ctx, "fp-1", result, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, ok := c.Get(ctx, "fp-1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got.Text != "package main" {
		t.Errorf("expected cached text, got %q", got.Text)
	}
}

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemoryCache(0)
	ctx := context.Background()

	c.Set(ctx, "fp-1", &domain.Result{Text: "x"}, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "fp-1"); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestInMemoryCacheReplace(t *testing.T) {
	c := NewInMemoryCache(0)
	ctx := context.Background()

	c.Set(ctx, "fp-1", &domain.Result{Text: "old"}, time.Minute)
	c.Set(ctx, "fp-1", &domain.Result{Text: "new"}, time.Minute)

	got, ok := c.Get(ctx, "fp-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Text != "new" {
		t.Errorf("expected replacement to win, got %q", got.Text)
	}
}

func TestInMemoryCacheCapacityEviction(t *testing.T) {
	c := NewInMemoryCache(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("fp-%d", i), &domain.Result{Text: "x"}, time.Duration(i+1)*time.Minute)
	}

	// fp-0 has the nearest expiry, so it is evicted first.
	c.Set(ctx, "fp-3", &domain.Result{Text: "x"}, 10*time.Minute)

	if _, ok := c.Get(ctx, "fp-0"); ok {
		t.Error("expected oldest entry evicted at capacity")
	}
	if _, ok := c.Get(ctx, "fp-3"); !ok {
		t.Error("expected new entry present after eviction")
	}
}

func TestInMemoryCacheHitCounter(t *testing.T) {
	c := NewInMemoryCache(0)
	ctx := context.Background()

	c.Set(ctx, "fp-1", &domain.Result{Text: "x"}, time.Minute)

	c.Get(ctx, "fp-1")
	c.Get(ctx, "fp-1")

	if hits := c.Hits("fp-1"); hits != 2 {
		t.Errorf("expected 2 hits, got %d", hits)
	}
}
