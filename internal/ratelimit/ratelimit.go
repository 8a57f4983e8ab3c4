// Package ratelimit guards outbound calls to rate-limited, cost-bearing
// market-data and AI vendors. Budgets are token buckets shared across all
// marketdeck instances through Redis, with an in-memory fallback when Redis
// is down. This limiter protects the vendors; the compute cache above it is
// what keeps concurrent traffic from spending the budget on duplicate work.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Budget is the outbound allowance for one provider.
type Budget struct {
	RequestsPerSecond float64
	Burst             int
}

// Backend answers token-bucket checks. Implementations must be safe for
// concurrent use.
type Backend interface {
	// CheckRateLimit consumes requested tokens from the bucket at key if
	// available. Returns whether the request is allowed and the tokens left.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// Limiter applies per-provider budgets.
type Limiter struct {
	backend  Backend
	budgets  map[string]Budget
	fallback Budget
}

// New creates a limiter. Providers without an explicit budget use the
// default.
func New(backend Backend, budgets map[string]Budget, defaultBudget Budget) *Limiter {
	if budgets == nil {
		budgets = make(map[string]Budget)
	}
	return &Limiter{
		backend:  backend,
		budgets:  budgets,
		fallback: defaultBudget,
	}
}

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryIn   time.Duration
}

// Allow checks whether one request to provider is within budget.
func (l *Limiter) Allow(ctx context.Context, provider string) (Result, error) {
	return l.AllowN(ctx, provider, 1)
}

// AllowN checks whether n requests to provider are within budget.
func (l *Limiter) AllowN(ctx context.Context, provider string, n int) (Result, error) {
	budget := l.budget(provider)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, bucketKey(provider),
		budget.Burst, budget.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", provider, err)
	}

	var retryIn time.Duration
	if !allowed && budget.RequestsPerSecond > 0 {
		deficit := float64(n - remaining)
		retryIn = time.Duration(deficit / budget.RequestsPerSecond * float64(time.Second))
	}

	return Result{Allowed: allowed, Remaining: remaining, RetryIn: retryIn}, nil
}

// Wait blocks until a request to provider is within budget or ctx expires.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	for {
		res, err := l.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		sleep := res.RetryIn
		if sleep <= 0 {
			sleep = 50 * time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) budget(provider string) Budget {
	if b, ok := l.budgets[provider]; ok {
		return b
	}
	return l.fallback
}

func bucketKey(provider string) string {
	return "marketdeck:rl:provider:" + provider
}
