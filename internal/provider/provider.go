// Package provider adapts the GLEIF and D&B clients to provider-agnostic
// match results. Every call waits on the provider's rate limiter and retries
// transient failures.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apihub/internal/metrics"
	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/internal/ratelimit"
	"github.com/sells-group/apihub/internal/resilience"
	"github.com/sells-group/apihub/pkg/dnb"
	"github.com/sells-group/apihub/pkg/gleif"
)

// Options are shared by all adapters.
type Options struct {
	Limiter *ratelimit.AdaptiveLimiter
	Retry   resilience.Policy
	Metrics *metrics.Metrics
}

type caller struct {
	api  model.API
	opts Options
}

// do runs one rate-limited, retried request. Non-2xx responses surface as
// *resilience.HTTPError.
func (c caller) do(ctx context.Context, op string, fn func(ctx context.Context) (*model.MatchResult, error)) (*model.MatchResult, error) {
	policy := c.opts.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetry(string(c.api), op)
	}

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.MatchResult, error) {
		start := time.Now()
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return nil, eris.Wrapf(err, "provider: %s rate limit wait", c.api)
			}
		}

		res, err := fn(ctx)
		status := 0
		switch {
		case err == nil:
			status = res.HTTPStatus
		default:
			if s, ok := resilience.StatusOf(err); ok {
				status = s
			}
		}
		c.opts.Metrics.ObserveRequest(string(c.api), status, time.Since(start))

		if c.opts.Limiter != nil {
			if resilience.IsRateLimited(err) {
				c.opts.Limiter.OnRateLimit()
			} else if err == nil {
				c.opts.Limiter.OnSuccess()
			}
		}
		return res, err
	})
}

// httpError converts a client status error into the shared HTTP error type.
func httpError(api model.API, err error) error {
	var ge *gleif.StatusError
	if errors.As(err, &ge) {
		return &resilience.HTTPError{API: string(api), StatusCode: ge.StatusCode, Body: ge.Body}
	}
	var de *dnb.StatusError
	if errors.As(err, &de) {
		return &resilience.HTTPError{API: string(api), StatusCode: de.StatusCode, Body: de.Body}
	}
	return err
}
