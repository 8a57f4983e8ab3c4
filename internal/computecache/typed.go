package computecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TTL is the typed convenience wrapper over Cache.GetOrComputeTTL: the
// compute closure returns a value, the cache stores its JSON encoding, and
// hits decode back into T.
func TTL[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, force bool, compute func(ctx context.Context) (T, error)) (T, Meta, error) {
	raw, meta, err := c.GetOrComputeTTL(ctx, key, ttl, force, encodeCompute(key, compute))
	return decodePayload[T](key, raw, meta, err)
}

// Daily is the typed convenience wrapper over Cache.GetOrComputeDaily.
func Daily[T any](ctx context.Context, c *Cache, key, date string, force bool, compute func(ctx context.Context) (T, error)) (T, Meta, error) {
	raw, meta, err := c.GetOrComputeDaily(ctx, key, date, force, encodeCompute(key, compute))
	return decodePayload[T](key, raw, meta, err)
}

func encodeCompute[T any](key string, compute func(ctx context.Context) (T, error)) ComputeFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", key, err)
		}
		return raw, nil
	}
}

func decodePayload[T any](key string, raw json.RawMessage, meta Meta, err error) (T, Meta, error) {
	var out T
	if err != nil {
		return out, meta, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, meta, fmt.Errorf("decode cached payload for %s: %w", key, err)
	}
	return out, meta, nil
}
