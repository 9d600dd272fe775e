package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket owned by whoever constructs it. Tokens refill
// lazily whenever the bucket is read, so there is no background goroutine.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perSecond requests per second with the given burst.
// A non-positive perSecond yields an unlimited bucket.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.tryAcquire() {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// tryAcquire takes a token if one is available right now.
func (r *RateLimiter) tryAcquire() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

type rateLimitedClient struct {
	next    Client
	limiter *RateLimiter
}

// WithRateLimit wraps c so every call first acquires a token from limiter.
func WithRateLimit(c Client, limiter *RateLimiter) Client {
	if limiter == nil {
		return c
	}
	return &rateLimitedClient{next: c, limiter: limiter}
}

func (c *rateLimitedClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return c.next.ChatCompletion(ctx, req)
}

func (c *rateLimitedClient) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		chunks := make(chan StreamChunk)
		errs := make(chan error, 1)
		close(chunks)
		errs <- err
		close(errs)
		return chunks, errs
	}
	return c.next.ChatCompletionStream(ctx, req)
}
