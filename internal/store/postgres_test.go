package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestWithCacheLockBoundsConnectionAcquire(t *testing.T) {
	// 203.0.113.1 is TEST-NET-3: unroutable, so dialing either hangs until
	// the context expires or fails outright. Either way acquisition must
	// return ErrLockNotAcquired within the lock-wait bound instead of
	// blocking the caller while it waits for a connection.
	pool, err := pgxpool.New(context.Background(),
		"postgres://md@203.0.113.1:5432/marketdeck?connect_timeout=30")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	s := &PostgresStore{pool: pool}

	start := time.Now()
	err = s.WithCacheLock(context.Background(), LockName("k", ScopeTTL), 100*time.Millisecond,
		func(ctx context.Context) error {
			t.Error("fn must not run without the lock")
			return nil
		})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquisition was not bounded by the lock wait: took %v", elapsed)
	}
}
