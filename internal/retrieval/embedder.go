package retrieval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/engine"
)

// batchConcurrency bounds in-flight embedding calls so a large import does
// not overwhelm the engine.
const batchConcurrency = 4

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *QueryCache
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// WithCache enables query-embedding memoization for Embed. EmbedBatch,
// used for document chunks, bypasses the cache.
func (e *Embedder) WithCache(c *QueryCache) *Embedder {
	e.cache = c
	return e
}

func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text. Failures are
// reported as *apperr.UpstreamError unless the caller cancelled.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(e.model, text); ok {
			return vec, nil
		}
	}
	vec, err := e.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(e.model, text, vec)
	}
	return vec, nil
}

func (e *Embedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, asUpstream(err)
	}
	if len(vec) == 0 {
		return nil, apperr.Unavailable(apperr.ServiceEmbedding, errors.New("empty embedding returned"))
	}
	return vec, nil
}

func asUpstream(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || apperr.IsUpstream(err) {
		return err
	}
	return apperr.Unavailable(apperr.ServiceEmbedding, err)
}

// EmbedBatch embeds texts concurrently. On failure it returns the first
// error together with a slice in which every successfully embedded text
// has a non-nil vector, so callers can keep what finished.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			vec, err := e.embedOne(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, err
}
