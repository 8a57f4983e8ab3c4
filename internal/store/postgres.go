package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketdeck/marketdeck/internal/logging"
)

// PostgresStore implements CacheStore on a pgx connection pool. The same
// database that holds the cache rows also supplies the advisory lock
// primitive, so no separate coordination service is needed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and bootstraps the cache schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS compute_cache (
			cache_key TEXT NOT NULL,
			scope TEXT NOT NULL,
			payload JSONB NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (cache_key, scope)
		)`,
		// Supports sweeping expired TTL rows; reads stay correct without it
		// because expiry is also checked lazily on every get.
		`CREATE INDEX IF NOT EXISTS idx_compute_cache_expires_at ON compute_cache(expires_at) WHERE expires_at IS NOT NULL`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key, scope string) (*CacheEntry, error) {
	entry := &CacheEntry{Key: key, Scope: scope}
	err := s.pool.QueryRow(ctx,
		`SELECT payload, expires_at, created_at, updated_at
		 FROM compute_cache WHERE cache_key = $1 AND scope = $2`,
		key, scope,
	).Scan(&entry.Payload, &entry.ExpiresAt, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s/%s: %w", key, scope, err)
	}

	if entry.ExpiresAt != nil && !time.Now().Before(*entry.ExpiresAt) {
		// Stale TTL row: clear it so the table does not accumulate garbage.
		// A failed delete is harmless, the next writer will overwrite the row.
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM compute_cache WHERE cache_key = $1 AND scope = $2 AND expires_at <= NOW()`,
			key, scope,
		); err != nil {
			logging.Op().Warn("delete expired cache entry", "key", key, "scope", scope, "error", err)
		}
		return nil, ErrCacheMiss
	}

	return entry, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, key, scope string, payload json.RawMessage, expiresAt *time.Time, supersedeDaily bool) (*CacheEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cache upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if supersedeDaily && IsDailyScope(scope) {
		// Exactly one trading day survives per key: the one being written.
		if _, err := tx.Exec(ctx,
			`DELETE FROM compute_cache WHERE cache_key = $1 AND scope LIKE 'daily:%' AND scope <> $2`,
			key, scope,
		); err != nil {
			return nil, fmt.Errorf("supersede daily scopes for %s: %w", key, err)
		}
	}

	entry := &CacheEntry{Key: key, Scope: scope, Payload: payload, ExpiresAt: expiresAt}
	err = tx.QueryRow(ctx,
		`INSERT INTO compute_cache (cache_key, scope, payload, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_key, scope) DO UPDATE
		 SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		 RETURNING created_at, updated_at`,
		key, scope, payload, expiresAt,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert cache entry %s/%s: %w", key, scope, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cache upsert: %w", err)
	}
	return entry, nil
}

// WithCacheLock holds a session-scoped pg advisory lock for the duration of
// fn. The lock lives on a dedicated pooled connection; if this process dies
// while holding it, Postgres drops the session and the lock with it.
func (s *PostgresStore) WithCacheLock(ctx context.Context, name string, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	id := LockID(name)

	// The timeout spans connection acquisition as well as the lock wait:
	// blocked waiters each pin a pooled connection, so an exhausted pool must
	// make this caller fall open instead of queueing behind it unboundedly.
	acquireCtx := ctx
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ErrLockNotAcquired, err)
	}
	defer conn.Release()

	// pg_advisory_lock blocks until granted. Cancelling the statement via
	// acquireCtx aborts the wait server-side, so a timed-out caller does not
	// keep a place in the lock queue.
	if _, err := conn.Exec(acquireCtx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		return fmt.Errorf("%w: lock %d (%s): %v", ErrLockNotAcquired, id, name, err)
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			// Destroy the session rather than return a lock-holding
			// connection to the pool; Postgres releases the lock when the
			// session ends.
			logging.Op().Warn("advisory unlock failed, closing connection", "lock", id, "error", err)
			conn.Conn().Close(unlockCtx)
		}
	}()

	return fn(ctx)
}
