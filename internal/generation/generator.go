// Package generation turns an assembled context payload into a reply using
// a concrete chat provider. Each provider makes a single attempt per call
// and reports failures as *apperr.UpstreamError; retrying is the caller's
// decision.
package generation

import (
	"context"

	"github.com/kalambet/pixella/internal/composer"
)

// Generator produces the assistant reply for a payload.
type Generator interface {
	Generate(ctx context.Context, p composer.Payload) (string, error)
}

// Options tunes a provider call. Zero values leave the provider default.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Func adapts an ordinary function to the Generator interface.
type Func func(ctx context.Context, p composer.Payload) (string, error)

func (f Func) Generate(ctx context.Context, p composer.Payload) (string, error) {
	return f(ctx, p)
}
