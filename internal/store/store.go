// Package store provides the durable substrate for the compute cache: a
// cache-entry table shared by every server instance, plus a cross-process
// advisory lock keyed by cache entry identity. Postgres is the production
// backend; MemoryStore covers single-instance deployments and tests.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned when no live entry exists for a (key, scope) pair.
var ErrCacheMiss = errors.New("store: cache miss")

// ErrLockNotAcquired is returned by WithCacheLock when the advisory lock could
// not be obtained, either because the wait timed out or because the backend
// was unreachable. The caller decides whether to fail open.
var ErrLockNotAcquired = errors.New("store: cache lock not acquired")

// ScopeTTL is the scope for time-bounded entries.
const ScopeTTL = "ttl"

// DailyScopePrefix prefixes per-trading-day scopes ("daily:2024-01-02").
const DailyScopePrefix = "daily:"

// DailyScope builds the scope string for a normalized calendar date.
func DailyScope(date string) string {
	return DailyScopePrefix + date
}

// IsDailyScope reports whether scope belongs to the daily freshness domain.
func IsDailyScope(scope string) bool {
	return strings.HasPrefix(scope, DailyScopePrefix)
}

// CacheEntry is one persisted compute result. Payload is opaque to the store.
type CacheEntry struct {
	Key       string          `json:"key"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"` // nil for daily scopes
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CacheStore is the coordination substrate the compute cache runs on.
// Implementations must make writes visible to subsequent readers in any
// process (read-committed or stronger).
type CacheStore interface {
	// GetCacheEntry returns the live entry for (key, scope), or ErrCacheMiss
	// if none exists or a TTL entry has expired. Expired rows are removed
	// opportunistically.
	GetCacheEntry(ctx context.Context, key, scope string) (*CacheEntry, error)

	// PutCacheEntry upserts the entry for (key, scope). When supersedeDaily is
	// set and scope is a daily scope, every other daily:* row for the same key
	// is deleted in the same transaction, so at most one trading day survives
	// per key.
	PutCacheEntry(ctx context.Context, key, scope string, payload json.RawMessage, expiresAt *time.Time, supersedeDaily bool) (*CacheEntry, error)

	// WithCacheLock runs fn while holding the system-wide advisory lock for
	// name. Acquisition waits at most acquireTimeout (zero means wait
	// indefinitely); on timeout or backend failure it returns
	// ErrLockNotAcquired without running fn. Errors from fn are returned
	// unchanged. The lock is released on every exit path; if the holding
	// process dies, the backend releases it.
	WithCacheLock(ctx context.Context, name string, acquireTimeout time.Duration, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}

// LockName derives the advisory lock name for a cache entry identity.
func LockName(key, scope string) string {
	return key + ":" + scope
}

// LockID maps a lock name onto the signed 64-bit space Postgres advisory
// locks accept. SHA-256 keeps unrelated names from colliding on short
// prefixes; the truncation to 8 bytes is stable across processes and
// restarts, which is all the mutex needs.
func LockID(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
