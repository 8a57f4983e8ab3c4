package cache

import (
	"context"
	"time"
)

// TieredCache stacks a fast local L1 (in-memory) over a shared L2 (Redis).
// L1 hits avoid the network entirely; L2 hits backfill L1 with a capped TTL
// so local copies never outlive l1TTL even when the L2 entry is longer-lived.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

// NewTieredCache creates a tiered cache. l1TTL caps how long entries live in
// the local tier.
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (c *TieredCache) capTTL(ttl time.Duration) time.Duration {
	if c.l1TTL > 0 && ttl > c.l1TTL {
		return c.l1TTL
	}
	return ttl
}

func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.l1.Get(ctx, key); err == nil {
		return val, nil
	}
	val, err := c.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	// Backfill the local tier; a failure here only costs the next lookup.
	c.l1.Set(ctx, key, val, c.l1TTL)
	return val, nil
}

func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, key, value, c.capTTL(ttl))
}

func (c *TieredCache) Delete(ctx context.Context, key string) error {
	err1 := c.l1.Delete(ctx, key)
	err2 := c.l2.Delete(ctx, key)
	if err2 != nil {
		return err2
	}
	return err1
}

func (c *TieredCache) Ping(ctx context.Context) error {
	return c.l2.Ping(ctx)
}

func (c *TieredCache) Close() error {
	err1 := c.l1.Close()
	err2 := c.l2.Close()
	if err2 != nil {
		return err2
	}
	return err1
}
