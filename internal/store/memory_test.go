package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockIDStable(t *testing.T) {
	name := LockName("market:quotes:AAPL:v1", ScopeTTL)
	if LockID(name) != LockID(name) {
		t.Fatal("lock id must be deterministic")
	}
	other := LockName("market:quotes:MSFT:v1", ScopeTTL)
	if LockID(name) == LockID(other) {
		t.Fatal("distinct names mapped to the same lock id")
	}
	// Same key, different scope is a different lock.
	daily := LockName("market:quotes:AAPL:v1", DailyScope("2024-01-02"))
	if LockID(name) == LockID(daily) {
		t.Fatal("scope must participate in lock identity")
	}
}

func TestMemoryStoreGetPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetCacheEntry(ctx, "k", ScopeTTL); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	exp := time.Now().Add(time.Minute)
	put, err := s.PutCacheEntry(ctx, "k", ScopeTTL, json.RawMessage(`{"a":1}`), &exp, false)
	if err != nil {
		t.Fatal(err)
	}
	if put.CreatedAt.IsZero() || put.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set on insert")
	}

	got, err := s.GetCacheEntry(ctx, "k", ScopeTTL)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("payload = %s", got.Payload)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, exp)
	}

	// Upsert keeps created_at and bumps updated_at.
	put2, err := s.PutCacheEntry(ctx, "k", ScopeTTL, json.RawMessage(`{"a":2}`), &exp, false)
	if err != nil {
		t.Fatal(err)
	}
	if !put2.CreatedAt.Equal(put.CreatedAt) {
		t.Fatal("upsert must preserve created_at")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	exp := now.Add(time.Minute)
	if _, err := s.PutCacheEntry(ctx, "k", ScopeTTL, json.RawMessage(`1`), &exp, false); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetCacheEntry(ctx, "k", ScopeTTL); err != nil {
		t.Fatalf("entry should be live: %v", err)
	}

	mu.Lock()
	now = now.Add(time.Minute) // exactly at expiry: already dead
	mu.Unlock()

	if _, err := s.GetCacheEntry(ctx, "k", ScopeTTL); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired entry should miss, got %v", err)
	}
	if n := s.EntryCount("k"); n != 0 {
		t.Fatalf("expired entry should be gone, count=%d", n)
	}
}

func TestMemoryStoreDailySupersede(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.PutCacheEntry(ctx, "k", DailyScope("2024-01-01"), json.RawMessage(`1`), nil, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutCacheEntry(ctx, "k", DailyScope("2024-01-02"), json.RawMessage(`2`), nil, true); err != nil {
		t.Fatal(err)
	}

	if n := s.EntryCount("k"); n != 1 {
		t.Fatalf("supersede left %d rows, want 1", n)
	}
	if _, err := s.GetCacheEntry(ctx, "k", DailyScope("2024-01-01")); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("old trading day should be deleted")
	}
	if _, err := s.GetCacheEntry(ctx, "k", DailyScope("2024-01-02")); err != nil {
		t.Fatalf("current trading day missing: %v", err)
	}

	// TTL rows for the same key are untouched by a daily write.
	exp := time.Now().Add(time.Hour)
	if _, err := s.PutCacheEntry(ctx, "j", ScopeTTL, json.RawMessage(`3`), &exp, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutCacheEntry(ctx, "j", DailyScope("2024-01-02"), json.RawMessage(`4`), nil, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCacheEntry(ctx, "j", ScopeTTL); err != nil {
		t.Fatalf("ttl row should survive a daily supersede: %v", err)
	}
}

func TestMemoryStoreLockMutualExclusion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	name := LockName("k", ScopeTTL)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithCacheLock(ctx, name, 0, func(ctx context.Context) error {
				n := inside.Add(1)
				if cur := maxInside.Load(); n > cur {
					maxInside.CompareAndSwap(cur, n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("lock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("%d goroutines held the lock at once", maxInside.Load())
	}
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	name := LockName("k", ScopeTTL)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		s.WithCacheLock(ctx, name, 0, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := s.WithCacheLock(ctx, name, 20*time.Millisecond, func(ctx context.Context) error {
		t.Error("fn must not run when the lock is unavailable")
		return nil
	})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}

	// An unrelated lock is still free.
	if err := s.WithCacheLock(ctx, LockName("other", ScopeTTL), 20*time.Millisecond, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("unrelated lock should acquire immediately: %v", err)
	}
}

func TestMemoryStoreLockPropagatesFnError(t *testing.T) {
	s := NewMemoryStore()
	name := LockName("k", ScopeTTL)

	errBoom := errors.New("boom")
	if err := s.WithCacheLock(context.Background(), name, 0, func(ctx context.Context) error {
		return errBoom
	}); !errors.Is(err, errBoom) {
		t.Fatalf("fn error must pass through, got %v", err)
	}

	// And the lock is released afterwards.
	if err := s.WithCacheLock(context.Background(), name, 10*time.Millisecond, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("lock not released after fn error: %v", err)
	}
}
