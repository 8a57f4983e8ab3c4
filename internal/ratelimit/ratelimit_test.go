package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalTokenBucket_BurstAndDeny(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	// Burst of 3, negligible refill.
	for i := 0; i < 3; i++ {
		allowed, _, err := b.CheckRateLimit(ctx, "p", 3, 0.001, 1)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}

	allowed, remaining, err := b.CheckRateLimit(ctx, "p", 3, 0.001, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("request beyond burst should be denied")
	}
	if remaining != 0 {
		t.Fatalf("expected 0 tokens remaining, got %d", remaining)
	}
}

func TestLocalTokenBucket_Refills(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	if allowed, _, _ := b.CheckRateLimit(ctx, "p", 1, 100, 1); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _, _ := b.CheckRateLimit(ctx, "p", 1, 100, 1); allowed {
		t.Fatal("bucket should be empty")
	}

	// 100 tokens/s refills one token well within 50ms.
	time.Sleep(50 * time.Millisecond)

	if allowed, _, _ := b.CheckRateLimit(ctx, "p", 1, 100, 1); !allowed {
		t.Fatal("bucket should have refilled")
	}
}

func TestLocalTokenBucket_IndependentKeys(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	if allowed, _, _ := b.CheckRateLimit(ctx, "a", 1, 0.001, 1); !allowed {
		t.Fatal("key a should be allowed")
	}
	if allowed, _, _ := b.CheckRateLimit(ctx, "a", 1, 0.001, 1); allowed {
		t.Fatal("key a should be exhausted")
	}
	if allowed, _, _ := b.CheckRateLimit(ctx, "b", 1, 0.001, 1); !allowed {
		t.Fatal("key b has its own bucket")
	}
}

// flakyBackend fails until recovered is set.
type flakyBackend struct {
	recovered atomic.Bool
	calls     atomic.Int64
}

func (f *flakyBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	f.calls.Add(1)
	if f.recovered.Load() {
		return true, 1, nil
	}
	return false, 0, errors.New("connection refused")
}

func TestFallbackBackend_DegradesToLocal(t *testing.T) {
	primary := &flakyBackend{}
	fb := NewFallbackBackend(primary)
	ctx := context.Background()

	allowed, _, err := fb.CheckRateLimit(ctx, "p", 5, 1, 1)
	if err != nil {
		t.Fatalf("fallback must absorb the primary error, got %v", err)
	}
	if !allowed {
		t.Fatal("local bucket should allow the first request")
	}
	if !fb.Degraded() {
		t.Fatal("backend should report degraded after a primary failure")
	}

	// Subsequent checks stay local; the primary is not hammered on every call.
	before := primary.calls.Load()
	for i := 0; i < 3; i++ {
		if _, _, err := fb.CheckRateLimit(ctx, "p", 5, 1, 1); err != nil {
			t.Fatal(err)
		}
	}
	if primary.calls.Load() != before {
		t.Fatal("degraded mode should not call the primary on every check")
	}
}

// stubBackend answers with a fixed verdict.
type stubBackend struct {
	allowed   bool
	remaining int
	err       error

	lastKey       string
	lastMaxTokens int
	lastRate      float64
}

func (s *stubBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	s.lastKey = key
	s.lastMaxTokens = maxTokens
	s.lastRate = refillRate
	return s.allowed, s.remaining, s.err
}

func TestLimiterUsesProviderBudget(t *testing.T) {
	backend := &stubBackend{allowed: true, remaining: 9}
	l := New(backend, map[string]Budget{
		"marketdata": {RequestsPerSecond: 10, Burst: 20},
	}, Budget{RequestsPerSecond: 1, Burst: 2})

	res, err := l.Allow(context.Background(), "marketdata")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("expected allowed")
	}
	if backend.lastMaxTokens != 20 || backend.lastRate != 10 {
		t.Fatalf("provider budget not applied: max=%d rate=%v", backend.lastMaxTokens, backend.lastRate)
	}
	if backend.lastKey != "marketdeck:rl:provider:marketdata" {
		t.Fatalf("unexpected bucket key %q", backend.lastKey)
	}

	// Unknown provider falls back to the default budget.
	if _, err := l.Allow(context.Background(), "unknown"); err != nil {
		t.Fatal(err)
	}
	if backend.lastMaxTokens != 2 || backend.lastRate != 1 {
		t.Fatalf("default budget not applied: max=%d rate=%v", backend.lastMaxTokens, backend.lastRate)
	}
}

func TestLimiterDeniedComputesRetry(t *testing.T) {
	backend := &stubBackend{allowed: false, remaining: 0}
	l := New(backend, map[string]Budget{
		"ai": {RequestsPerSecond: 2, Burst: 2},
	}, Budget{})

	res, err := l.Allow(context.Background(), "ai")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("expected denied")
	}
	if res.RetryIn <= 0 {
		t.Fatalf("denied result should suggest a retry delay, got %v", res.RetryIn)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	backend := &stubBackend{allowed: false, remaining: 0}
	l := New(backend, nil, Budget{RequestsPerSecond: 0.001, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLimiterWaitSucceedsWhenAllowed(t *testing.T) {
	backend := &stubBackend{allowed: true, remaining: 1}
	l := New(backend, nil, Budget{RequestsPerSecond: 1, Burst: 1})

	if err := l.Wait(context.Background(), "fast"); err != nil {
		t.Fatal(err)
	}
}
