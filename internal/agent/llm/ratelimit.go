package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to a client shared by concurrent jobs.
type RateLimited struct {
	Client
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst. A
// non-positive rps disables limiting.
func NewRateLimited(c Client, rps float64, burst int) Client {
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Client: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Wait fails when ctx is done or its deadline is too close.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, context.DeadlineExceeded
	}
	return r.Client.Invoke(ctx, req)
}
