package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireWithinBurst(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()
	key := Key{ID: "tenant:a:provider:p", Quota: Quota{PerMinute: 60, Burst: 5}}

	for i := 0; i < 5; i++ {
		allowed, _, err := l.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
}

func TestAcquireRejectsBeyondBurst(t *testing.T) {
	l := NewInMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	key := Key{ID: "k", Quota: Quota{PerMinute: 60, Burst: 3}}

	for i := 0; i < 3; i++ {
		if allowed, _, _ := l.Acquire(ctx, key); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := l.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if allowed {
		t.Fatal("request beyond burst should be rejected")
	}
	if retryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %s", retryAfter)
	}
	// 60/min refills one token per second.
	if retryAfter > time.Second+100*time.Millisecond {
		t.Errorf("retry-after too long for 60/min rate: %s", retryAfter)
	}
}

func TestAcquireRefills(t *testing.T) {
	l := NewInMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	key := Key{ID: "k", Quota: Quota{PerMinute: 60, Burst: 1}}

	if allowed, _, _ := l.Acquire(ctx, key); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _, _ := l.Acquire(ctx, key); allowed {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(time.Second)

	if allowed, _, _ := l.Acquire(ctx, key); !allowed {
		t.Fatal("bucket should refill after one second at 60/min")
	}
}

func TestAcquireCapsAtBurst(t *testing.T) {
	l := NewInMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	key := Key{ID: "k", Quota: Quota{PerMinute: 60, Burst: 2}}

	// A long idle period must not accumulate more than the burst capacity.
	now = now.Add(time.Hour)

	for i := 0; i < 2; i++ {
		if allowed, _, _ := l.Acquire(ctx, key); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if allowed, _, _ := l.Acquire(ctx, key); allowed {
		t.Fatal("tokens must cap at burst capacity")
	}
}

func TestAcquireMultiKeyAtomic(t *testing.T) {
	l := NewInMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	tenant := Key{ID: "tenant", Quota: Quota{PerMinute: 60, Burst: 10}}
	global := Key{ID: "global", Quota: Quota{PerMinute: 60, Burst: 1}}

	if allowed, _, _ := l.Acquire(ctx, tenant, global); !allowed {
		t.Fatal("first request should be allowed")
	}

	// Global bucket is empty; denial must not consume from the tenant bucket.
	if allowed, _, _ := l.Acquire(ctx, tenant, global); allowed {
		t.Fatal("request should be denied by the global bucket")
	}

	if allowed, _, _ := l.Acquire(ctx, tenant); !allowed {
		t.Fatal("tenant bucket should be untouched by the denied acquire")
	}

	// 10 burst - 1 initial grant - 1 solo acquire = 8 remaining.
	remaining := 0
	for {
		allowed, _, _ := l.Acquire(ctx, tenant)
		if !allowed {
			break
		}
		remaining++
	}
	if remaining != 8 {
		t.Errorf("expected 8 tenant tokens remaining, got %d", remaining)
	}
}

func TestAcquireIndependentKeys(t *testing.T) {
	l := NewInMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	a := Key{ID: "tenant:a:provider:p", Quota: Quota{PerMinute: 60, Burst: 1}}
	b := Key{ID: "tenant:b:provider:p", Quota: Quota{PerMinute: 60, Burst: 1}}

	if allowed, _, _ := l.Acquire(ctx, a); !allowed {
		t.Fatal("tenant a should be allowed")
	}
	if allowed, _, _ := l.Acquire(ctx, a); allowed {
		t.Fatal("tenant a should be exhausted")
	}
	if allowed, _, _ := l.Acquire(ctx, b); !allowed {
		t.Fatal("tenant b must not be affected by tenant a's bucket")
	}
}
