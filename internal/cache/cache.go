// Package cache defines the hot tier sitting in front of the durable compute
// cache: a byte-oriented key-value store with TTL support. The in-memory
// implementation serves a single instance; Redis shares the tier across
// instances; Tiered stacks one on the other. Encoding is left to the caller.
//
// The hot tier is an accelerator only. Correctness (single-flight computes,
// daily supersede) lives entirely in the durable store underneath, so every
// implementation here is allowed to lose or evict data at any time.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. Values with ttl <= 0 are not
	// stored; a hot-tier entry without an expiry would outlive the durable
	// row it mirrors.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache. It is not an error to delete
	// a key that does not exist.
	Delete(ctx context.Context, key string) error

	// Ping verifies connectivity to the underlying cache backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the cache implementation.
	Close() error
}
