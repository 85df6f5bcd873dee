package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// LimitedRouter throttles order submissions against the broker's rate limit.
// The wait is bounded by the caller's context, so an exit under its timeout
// fails rather than queueing indefinitely.
type LimitedRouter struct {
	next    domain.OrderRouter
	limiter domain.RateLimiter
	key     string
	limit   int
	window  time.Duration
}

// NewLimitedRouter wraps next with a limit of limit submissions per window
// under key.
func NewLimitedRouter(next domain.OrderRouter, limiter domain.RateLimiter, key string, limit int, window time.Duration) *LimitedRouter {
	return &LimitedRouter{next: next, limiter: limiter, key: key, limit: limit, window: window}
}

// Submit waits for a slot and forwards the order.
func (r *LimitedRouter) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := r.limiter.Wait(ctx, r.key, r.limit, r.window); err != nil {
		return "", fmt.Errorf("router: rate limit: %w", err)
	}
	return r.next.Submit(ctx, req)
}

// Cancel is not throttled.
func (r *LimitedRouter) Cancel(ctx context.Context, orderRef string) error {
	return r.next.Cancel(ctx, orderRef)
}

var _ domain.OrderRouter = (*LimitedRouter)(nil)
