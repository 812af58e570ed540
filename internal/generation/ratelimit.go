package generation

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/pixella/internal/composer"
)

// RateLimited spaces calls to the wrapped generator at least minInterval
// apart. Waiting callers give up when their context ends.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited wraps g. A non-positive minInterval disables limiting.
func NewRateLimited(g Generator, minInterval time.Duration) *RateLimited {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimited{next: g, limiter: rate.NewLimiter(limit, 1)}
}

func (r *RateLimited) Generate(ctx context.Context, p composer.Payload) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return r.next.Generate(ctx, p)
}
