package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/pixella/internal/apperr"
)

// QueryEmbedder turns a query string into a vector. *Embedder implements it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Scorer embeds a query and returns the most similar indexed chunks.
type Scorer struct {
	embedder QueryEmbedder
	index    VectorIndex
	logger   *slog.Logger
}

func NewScorer(embedder QueryEmbedder, index VectorIndex) *Scorer {
	return &Scorer{embedder: embedder, index: index, logger: slog.Default()}
}

func (s *Scorer) Index() VectorIndex { return s.index }

// Retrieve returns at most topK chunks whose score is at least floor,
// ranked 1..n. An empty index yields an empty result without calling the
// embedder. Embedding failures are returned as *apperr.UpstreamError.
// topK above MaxTopK is a validation error.
func (s *Scorer) Retrieve(ctx context.Context, query string, topK int, floor float32) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}
	if topK > MaxTopK {
		return nil, apperr.Validation("top_k %d exceeds the maximum of %d", topK, MaxTopK)
	}
	n, err := s.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting indexed chunks: %w", err)
	}
	if n == 0 {
		return []Result{}, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, asUpstream(err)
	}

	results, err := s.index.Query(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Score >= floor {
			kept = append(kept, r)
		}
	}
	rankResults(kept)
	s.logger.Debug("retrieval", "candidates", len(results), "kept", len(kept), "top_k", topK)
	return kept, nil
}
