package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/pixella/internal/apperr"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func seedIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx := NewMemoryIndex(0)
	chunks := []Chunk{
		{Index: 0, Text: "exact", Embedding: []float32{1, 0, 0}},
		{Index: 1, Text: "close", Embedding: []float32{0.9, 0.1, 0}},
		{Index: 2, Text: "far", Embedding: []float32{0, 1, 0}},
		{Index: 3, Text: "opposite", Embedding: []float32{-1, 0, 0}},
	}
	if err := idx.UpsertChunks(context.Background(), "doc", chunks); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	return idx
}

func TestRetrieve_EmptyIndexSkipsEmbedding(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("must not be called")}
	s := NewScorer(emb, NewMemoryIndex(0))

	results, err := s.Retrieve(context.Background(), "anything", 5, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("results = %v, want empty non-nil slice", results)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times on empty index", emb.calls)
	}
}

func TestRetrieve_TopKAndRanks(t *testing.T) {
	s := NewScorer(&stubEmbedder{vec: []float32{1, 0, 0}}, seedIndex(t))

	results, err := s.Retrieve(context.Background(), "q", 2, -1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Text != "exact" || results[1].Text != "close" {
		t.Errorf("order = %q, %q", results[0].Text, results[1].Text)
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Errorf("result %d rank = %d", i, r.Rank)
		}
	}
}

func TestRetrieve_FloorDropsAndReranks(t *testing.T) {
	s := NewScorer(&stubEmbedder{vec: []float32{1, 0, 0}}, seedIndex(t))

	results, err := s.Retrieve(context.Background(), "q", 10, 0.5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results above floor, want 2", len(results))
	}
	for i, r := range results {
		if r.Score < 0.5 {
			t.Errorf("result %d score %f below floor", i, r.Score)
		}
		if r.Rank != i+1 {
			t.Errorf("result %d rank = %d, want %d", i, r.Rank, i+1)
		}
	}
}

func TestRetrieve_NonPositiveTopK(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	s := NewScorer(emb, seedIndex(t))

	results, err := s.Retrieve(context.Background(), "q", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for topK=0", len(results))
	}
	if emb.calls != 0 {
		t.Errorf("embedder called for topK=0")
	}
}

func TestRetrieve_EmbeddingFailureSurfaces(t *testing.T) {
	s := NewScorer(&stubEmbedder{err: errors.New("ollama down")}, seedIndex(t))

	_, err := s.Retrieve(context.Background(), "q", 3, 0)
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	s := NewScorer(&stubEmbedder{vec: []float32{0.5, 0.5, 0}}, seedIndex(t))

	first, err := s.Retrieve(context.Background(), "q", 4, -1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Retrieve(context.Background(), "q", 4, -1)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		for j := range first {
			if again[j].Index != first[j].Index || again[j].Score != first[j].Score {
				t.Fatalf("run %d differs at %d: %+v vs %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestRetrieve_TopKAboveMaximum(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	s := NewScorer(emb, seedIndex(t))

	_, err := s.Retrieve(context.Background(), "q", 1<<40, 0)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for a rejected query", emb.calls)
	}

	results, err := s.Retrieve(context.Background(), "q", MaxTopK, -1)
	if err != nil {
		t.Fatalf("Retrieve(MaxTopK): %v", err)
	}
	if len(results) != 4 {
		t.Errorf("got %d results, want all 4 chunks", len(results))
	}
}
