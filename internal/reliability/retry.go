// Package reliability holds the bounded retry policy applied by outer
// layers around calls to the generation and embedding providers. The
// conversation core itself never retries.
package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/generation"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient provider failure. Caller
// cancellation, validation errors and non-transient HTTP statuses (401,
// 402, 400) are final.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *apperr.UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Status == 0 || IsRetryableHTTPStatus(ue.Status)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds retries. Zero fields select the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter returns a random duration in [0, d). Tests replace it.
	Jitter func(d time.Duration) time.Duration
	// Sleep waits for d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter == nil {
		p.Jitter = fullJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	return p
}

// Delay is the wait before retry number attempt (0-based): half the capped
// exponential backoff plus up to the same amount of jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := ExponentialBackoff(attempt, p.BaseDelay, p.MaxDelay)
	half := d / 2
	return half + p.Jitter(d-half)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged so callers can
// still classify it.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var lastErr error
	for attempt := range p.MaxAttempts {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		slog.Debug("retrying upstream call", "attempt", attempt+1, "delay", delay, "error", err)
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// RetryingGenerator applies a Policy to a generation.Generator.
type RetryingGenerator struct {
	next   generation.Generator
	policy Policy
}

func NewRetryingGenerator(g generation.Generator, p Policy) *RetryingGenerator {
	return &RetryingGenerator{next: g, policy: p}
}

func (r *RetryingGenerator) Generate(ctx context.Context, payload composer.Payload) (string, error) {
	return Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.next.Generate(ctx, payload)
	})
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
