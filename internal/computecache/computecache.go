// Package computecache is the read-through compute cache every expensive or
// rate-limited operation in marketdeck goes through. It guarantees at most
// one in-flight computation per (key, scope) across all server instances,
// using the store's advisory lock as the only coordination substrate, and
// serves the previously stored value to everyone else until the computation
// lands.
package computecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketdeck/marketdeck/internal/cache"
	"github.com/marketdeck/marketdeck/internal/logging"
	"github.com/marketdeck/marketdeck/internal/metrics"
	"github.com/marketdeck/marketdeck/internal/store"
)

// ComputeFunc produces the value for a cache miss. It must be idempotent
// with respect to caching: if the store is unreachable the cache fails open
// and a closure may run more than once for the same logical inputs.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// Meta describes where a returned value came from.
type Meta struct {
	Hit      bool       `json:"hit"`
	Scope    string     `json:"scope"`
	StoredAt *time.Time `json:"stored_at,omitempty"`
}

const (
	policyTTL   = "ttl"
	policyDaily = "daily"
)

// Config wires a Cache.
type Config struct {
	// Store is the shared coordination substrate. nil disables caching
	// entirely: every call computes directly (degraded mode, see Design
	// notes on fail-open).
	Store store.CacheStore

	// HotTier is an optional process-local or Redis L1 in front of the store
	// for TTL entries. Daily entries bypass it so supersede correctness
	// stays in one place.
	HotTier cache.Cache

	// LockWaitTimeout bounds how long a caller blocks on the distributed
	// lock before computing without it. Zero waits indefinitely.
	LockWaitTimeout time.Duration
}

// Cache orchestrates fast-path read, lock acquisition, double-checked
// re-read, compute invocation, and write-back.
type Cache struct {
	store    store.CacheStore
	hot      cache.Cache
	lockWait time.Duration

	now func() time.Time
}

func New(cfg Config) *Cache {
	return &Cache{
		store:    cfg.Store,
		hot:      cfg.HotTier,
		lockWait: cfg.LockWaitTimeout,
		now:      time.Now,
	}
}

// Disabled reports whether the cache is running without a store.
func (c *Cache) Disabled() bool { return c.store == nil }

// Ping checks the coordination substrate.
func (c *Cache) Ping(ctx context.Context) error {
	if c.store == nil {
		return errors.New("compute cache disabled")
	}
	return c.store.Ping(ctx)
}

// GetOrComputeTTL returns the cached value for key if one exists and is
// younger than ttl, otherwise computes it exactly once across all concurrent
// callers and instances. ttl == 0 is legal and means "always recompute, but
// serialize concurrent recomputes". force skips the fast-path read but still
// collapses simultaneous refreshes into one compute.
func (c *Cache) GetOrComputeTTL(ctx context.Context, key string, ttl time.Duration, force bool, compute ComputeFunc) (json.RawMessage, Meta, error) {
	if err := validateKey(key); err != nil {
		return nil, Meta{}, err
	}
	if ttl < 0 {
		return nil, Meta{}, fmt.Errorf("negative ttl for %q", key)
	}
	return c.getOrCompute(ctx, policyTTL, key, store.ScopeTTL, ttl, force, compute)
}

// GetOrComputeDaily is GetOrComputeTTL's calendar-day sibling: the value is
// fresh for the whole trading day named by date (an already-normalized
// YYYY-MM-DD string in the reference time zone; see market.TradingDate).
// Writing a new day deletes every older daily entry for the key.
func (c *Cache) GetOrComputeDaily(ctx context.Context, key, date string, force bool, compute ComputeFunc) (json.RawMessage, Meta, error) {
	if err := validateKey(key); err != nil {
		return nil, Meta{}, err
	}
	if date == "" {
		return nil, Meta{}, fmt.Errorf("calendar date required for %q", key)
	}
	return c.getOrCompute(ctx, policyDaily, key, store.DailyScope(date), 0, force, compute)
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("cache key required")
	}
	return nil
}

func (c *Cache) getOrCompute(ctx context.Context, policy, key, scope string, ttl time.Duration, force bool, compute ComputeFunc) (json.RawMessage, Meta, error) {
	if c.store == nil {
		return c.computeOpen(ctx, policy, scope, compute, "disabled")
	}

	daily := policy == policyDaily
	start := c.now()

	// Fast path: lock-free read. Forced refreshes skip it but still go
	// through the double-checked read below.
	if !force {
		if payload, meta, ok := c.fastRead(ctx, key, scope, daily); ok {
			metrics.CacheRequest(policy, "hit")
			return payload, meta, nil
		}
	}

	var (
		result     json.RawMessage
		meta       Meta
		computeErr error
	)

	lockStart := time.Now()
	err := c.store.WithCacheLock(ctx, store.LockName(key, scope), c.lockWait, func(ctx context.Context) error {
		metrics.ObserveLockWait(time.Since(lockStart))

		// Double-checked read: another waiter may have recomputed while this
		// caller was blocked. A forced caller only accepts entries written
		// after it started, so a pre-existing stale value never satisfies a
		// refresh, but two simultaneous refreshes still collapse into one
		// compute.
		entry, err := c.store.GetCacheEntry(ctx, key, scope)
		if err == nil && (!force || !entry.UpdatedAt.Before(start)) {
			result = entry.Payload
			meta = Meta{Hit: true, Scope: scope, StoredAt: &entry.UpdatedAt}
			return nil
		}
		if err != nil && !errors.Is(err, store.ErrCacheMiss) {
			logging.Op().Warn("cache double-check read failed", "key", key, "scope", scope, "error", err)
		}

		payload, err := c.runCompute(ctx, policy, compute)
		if err != nil {
			// Nothing is written; the prior entry (or absence) is untouched
			// and the next lock holder re-attempts the full sequence.
			computeErr = err
			return err
		}

		stored, err := c.writeBack(ctx, key, scope, payload, ttl, daily)
		if err != nil {
			// The value is good even if the store went away before
			// write-back. Return it uncached.
			logging.Op().Warn("cache write-back failed", "key", key, "scope", scope, "error", err)
			metrics.FailOpen("write_back")
			result = payload
			meta = Meta{Hit: false, Scope: scope}
			return nil
		}

		result = payload
		meta = Meta{Hit: false, Scope: scope, StoredAt: &stored.UpdatedAt}
		return nil
	})

	switch {
	case err == nil:
		metrics.CacheRequest(policy, outcome(meta.Hit))
		return result, meta, nil
	case errors.Is(err, store.ErrLockNotAcquired):
		// Coordination unavailable or lock wait exhausted: compute without
		// the lock and accept a bounded-probability duplicate compute rather
		// than hanging the caller.
		logging.Op().Warn("cache lock unavailable, computing without coordination",
			"key", key, "scope", scope, "error", err)
		return c.computeUnlocked(ctx, policy, key, scope, ttl, daily, compute)
	case computeErr != nil:
		// The caller's closure failed; propagate exactly what it raised.
		return nil, Meta{}, computeErr
	default:
		return nil, Meta{}, err
	}
}

// fastRead consults the hot tier (TTL entries only) and then the store.
// Store errors degrade to a miss so a flaky store never blocks the read path.
func (c *Cache) fastRead(ctx context.Context, key, scope string, daily bool) (json.RawMessage, Meta, bool) {
	if c.hot != nil && !daily {
		if raw, err := c.hot.Get(ctx, key); err == nil {
			var env hotEnvelope
			if err := json.Unmarshal(raw, &env); err == nil && c.now().Before(env.ExpiresAt) {
				return env.Payload, Meta{Hit: true, Scope: scope, StoredAt: &env.StoredAt}, true
			}
			// Unreadable or expired hot entry. A tiered tier can refresh a
			// local copy past the durable row's expiry, so the envelope's own
			// deadline is authoritative. Drop it and fall through to the store.
			c.hot.Delete(ctx, key)
		}
	}

	entry, err := c.store.GetCacheEntry(ctx, key, scope)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			logging.Op().Warn("cache fast read failed", "key", key, "scope", scope, "error", err)
		}
		return nil, Meta{}, false
	}

	if c.hot != nil && !daily && entry.ExpiresAt != nil {
		c.backfillHot(ctx, key, entry.Payload, entry.UpdatedAt, *entry.ExpiresAt)
	}
	return entry.Payload, Meta{Hit: true, Scope: scope, StoredAt: &entry.UpdatedAt}, true
}

func (c *Cache) runCompute(ctx context.Context, policy string, compute ComputeFunc) (json.RawMessage, error) {
	computeStart := time.Now()
	payload, err := compute(ctx)
	metrics.ObserveCompute(policy, time.Since(computeStart))
	return payload, err
}

func (c *Cache) writeBack(ctx context.Context, key, scope string, payload json.RawMessage, ttl time.Duration, daily bool) (*store.CacheEntry, error) {
	var expiresAt *time.Time
	if !daily {
		t := c.now().Add(ttl)
		expiresAt = &t
	}

	stored, err := c.store.PutCacheEntry(ctx, key, scope, payload, expiresAt, daily)
	if err != nil {
		return nil, err
	}

	if daily {
		metrics.DailySupersede()
	} else if c.hot != nil && expiresAt != nil {
		c.backfillHot(ctx, key, payload, stored.UpdatedAt, *expiresAt)
	}
	return stored, nil
}

// computeOpen serves a caller with no store configured at all.
func (c *Cache) computeOpen(ctx context.Context, policy, scope string, compute ComputeFunc, reason string) (json.RawMessage, Meta, error) {
	metrics.FailOpen(reason)
	metrics.CacheRequest(policy, "miss")
	payload, err := c.runCompute(ctx, policy, compute)
	if err != nil {
		return nil, Meta{}, err
	}
	return payload, Meta{Hit: false, Scope: scope}, nil
}

// computeUnlocked computes without holding the lock and writes back on a
// best-effort basis. Used when lock acquisition failed; the store itself may
// still be healthy (lock wait timeout), so the result is worth persisting.
func (c *Cache) computeUnlocked(ctx context.Context, policy, key, scope string, ttl time.Duration, daily bool, compute ComputeFunc) (json.RawMessage, Meta, error) {
	metrics.FailOpen("lock")
	metrics.CacheRequest(policy, "miss")

	payload, err := c.runCompute(ctx, policy, compute)
	if err != nil {
		return nil, Meta{}, err
	}

	stored, err := c.writeBack(ctx, key, scope, payload, ttl, daily)
	if err != nil {
		logging.Op().Warn("uncoordinated write-back failed", "key", key, "scope", scope, "error", err)
		return payload, Meta{Hit: false, Scope: scope}, nil
	}
	return payload, Meta{Hit: false, Scope: scope, StoredAt: &stored.UpdatedAt}, nil
}

// hotEnvelope is what TTL entries look like inside the hot tier: the payload
// plus the store timestamps, so L1 hits report the same Meta as store hits
// and a hot entry is never served past the durable row's expiry.
type hotEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (c *Cache) backfillHot(ctx context.Context, key string, payload json.RawMessage, storedAt, expiresAt time.Time) {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return
	}
	raw, err := json.Marshal(hotEnvelope{Payload: payload, StoredAt: storedAt, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	if err := c.hot.Set(ctx, key, raw, remaining); err != nil {
		logging.Op().Debug("hot tier set failed", "key", key, "error", err)
	}
}

func outcome(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
