package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so that at most perMinute requests start per minute,
// with a burst of up to perMinute. Callers wait for a token under their own
// context. A non-positive perMinute returns p unchanged.
func RateLimited(p Provider, perMinute int) Provider {
	if perMinute <= 0 || p == nil {
		return p
	}
	return &rateLimited{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (r *rateLimited) Name() string {
	return r.next.Name()
}

func (r *rateLimited) Generate(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Generate(ctx, req)
}
