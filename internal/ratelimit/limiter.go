// Package ratelimit provides the token buckets that throttle outbound API
// requests and database writes.
package ratelimit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Waiter blocks until one event is allowed.
type Waiter interface {
	Wait(ctx context.Context) error
}

// PerSecond returns a token bucket refilled continuously at n tokens per
// second. The burst equals the per-second budget (minimum 1). A non-positive
// n yields an unlimited bucket.
func PerSecond(n float64) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(n)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(n), burst)
}

// AdaptiveLimiter wraps a rate.Limiter whose budget shrinks on 429 responses.
// On 429 it halves the rate (down to budget/4). On success it recovers by 20%,
// never exceeding the configured budget.
type AdaptiveLimiter struct {
	name        string
	mu          sync.Mutex
	limiter     *rate.Limiter
	budget      rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptive creates an adaptive limiter with the given per-second budget.
func NewAdaptive(name string, perSecond float64) *AdaptiveLimiter {
	lim := PerSecond(perSecond)
	budget := lim.Limit()
	return &AdaptiveLimiter{
		name:        name,
		limiter:     lim,
		budget:      budget,
		minRate:     budget / 4,
		currentRate: budget,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess moves the rate 20% back toward the budget.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget == rate.Inf || a.currentRate >= a.budget {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.budget {
		newRate = a.budget
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429 response.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.String("limiter", a.name),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
