// Package indextest holds the conformance tests every retrieval.VectorIndex
// implementation must pass.
package indextest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/retrieval"
)

// Factory returns a fresh, empty index that learns its dimension from the
// first insert. Cleanup is registered on t.
type Factory func(t *testing.T) retrieval.VectorIndex

// Run exercises index semantics against a backend.
func Run(t *testing.T, newIndex Factory) {
	t.Run("UpsertAndQuery", func(t *testing.T) { testUpsertAndQuery(t, newIndex(t)) })
	t.Run("ReingestReplaces", func(t *testing.T) { testReingestReplaces(t, newIndex(t)) })
	t.Run("TopKBound", func(t *testing.T) { testTopKBound(t, newIndex(t)) })
	t.Run("TieOrder", func(t *testing.T) { testTieOrder(t, newIndex(t)) })
	t.Run("EmptyIndex", func(t *testing.T) { testEmptyIndex(t, newIndex(t)) })
	t.Run("DimensionMismatch", func(t *testing.T) { testDimensionMismatch(t, newIndex(t)) })
	t.Run("ClearForgetsDimension", func(t *testing.T) { testClearForgetsDimension(t, newIndex(t)) })
	t.Run("DeleteDocument", func(t *testing.T) { testDeleteDocument(t, newIndex(t)) })
	t.Run("ListDocuments", func(t *testing.T) { testListDocuments(t, newIndex(t)) })
	t.Run("InvalidChunks", func(t *testing.T) { testInvalidChunks(t, newIndex(t)) })
	t.Run("QueryDuringReplace", func(t *testing.T) { testQueryDuringReplace(t, newIndex(t)) })
	t.Run("ChunksExport", func(t *testing.T) { testChunksExport(t, newIndex(t)) })
	t.Run("SparseIndexesReplace", func(t *testing.T) { testSparseIndexesReplace(t, newIndex(t)) })
}

// Chunks builds n chunks for documentID; chunk i points along axis
// (offset+i) mod dim so each is distinguishable.
func Chunks(documentID string, n, dim, offset int) []retrieval.Chunk {
	out := make([]retrieval.Chunk, n)
	for i := range out {
		out[i] = retrieval.Chunk{
			DocumentID: documentID,
			Index:      i,
			Text:       fmt.Sprintf("%s chunk %d", documentID, i),
			Embedding:  Axis(dim, (offset+i)%dim),
		}
	}
	return out
}

// Axis returns a unit vector along axis i.
func Axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func mustUpsert(t *testing.T, idx retrieval.VectorIndex, id string, chunks []retrieval.Chunk) {
	t.Helper()
	if err := idx.UpsertChunks(context.Background(), id, chunks); err != nil {
		t.Fatalf("UpsertChunks(%q): %v", id, err)
	}
}

func mustCount(t *testing.T, idx retrieval.VectorIndex) int {
	t.Helper()
	n, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func testUpsertAndQuery(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", Chunks("doc", 3, 8, 0))

	results, err := idx.Query(ctx, Axis(8, 1), 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.DocumentID != "doc" || r.Index != 1 {
		t.Errorf("best = %s#%d, want doc#1", r.DocumentID, r.Index)
	}
	if r.Text != "doc chunk 1" {
		t.Errorf("Text = %q", r.Text)
	}
	if r.Score < 0.999 || r.Score > 1 {
		t.Errorf("Score = %f, want ~1", r.Score)
	}
	if r.Rank != 1 {
		t.Errorf("Rank = %d, want 1", r.Rank)
	}
	if r.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func testReingestReplaces(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", Chunks("doc", 5, 8, 0))
	mustUpsert(t, idx, "other", Chunks("other", 2, 8, 6))
	mustUpsert(t, idx, "doc", Chunks("doc", 2, 8, 3))

	if n := mustCount(t, idx); n != 4 {
		t.Fatalf("Count = %d, want 4", n)
	}
	results, err := idx.Query(ctx, Axis(8, 0), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, r := range results {
		if r.DocumentID == "doc" && r.Index > 1 {
			t.Errorf("stale chunk doc#%d survived re-ingest", r.Index)
		}
	}
	docs, err := idx.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "doc" || docs[0].Chunks != 2 {
		t.Errorf("documents = %+v", docs)
	}
}

func testTopKBound(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", Chunks("doc", 6, 8, 0))

	for _, k := range []int{1, 3, 6, 20} {
		results, err := idx.Query(ctx, []float32{1, 1, 1, 1, 1, 1, 1, 1}, k)
		if err != nil {
			t.Fatalf("Query(k=%d): %v", k, err)
		}
		want := min(k, 6)
		if len(results) != want {
			t.Errorf("Query(k=%d) returned %d results, want %d", k, len(results), want)
		}
		for i := 1; i < len(results); i++ {
			if results[i].Score > results[i-1].Score {
				t.Errorf("results not sorted descending at %d", i)
			}
		}
	}
	results, err := idx.Query(ctx, Axis(8, 0), 0)
	if err != nil {
		t.Fatalf("Query(k=0): %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Query(k=0) returned %d results", len(results))
	}
}

func testTieOrder(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	same := func(doc string, n int) []retrieval.Chunk {
		out := make([]retrieval.Chunk, n)
		for i := range out {
			out[i] = retrieval.Chunk{Index: i, Text: doc, Embedding: Axis(4, 0)}
		}
		return out
	}
	mustUpsert(t, idx, "b", same("b", 2))
	mustUpsert(t, idx, "a", same("a", 2))

	for attempt := 0; attempt < 3; attempt++ {
		results, err := idx.Query(ctx, Axis(4, 0), 3)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		want := []string{"a#0", "a#1", "b#0"}
		if len(results) != len(want) {
			t.Fatalf("got %d results, want %d", len(results), len(want))
		}
		for i, r := range results {
			if got := fmt.Sprintf("%s#%d", r.DocumentID, r.Index); got != want[i] {
				t.Errorf("result %d = %s, want %s", i, got, want[i])
			}
			if r.Rank != i+1 {
				t.Errorf("result %d rank = %d", i, r.Rank)
			}
		}
	}
}

func testEmptyIndex(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	results, err := idx.Query(ctx, Axis(4, 0), 5)
	if err != nil {
		t.Fatalf("Query on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty index", len(results))
	}
	if n := mustCount(t, idx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	if d, err := idx.Dimension(ctx); err != nil || d != 0 {
		t.Errorf("Dimension = %d, %v; want 0", d, err)
	}
}

func testDimensionMismatch(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", Chunks("doc", 2, 8, 0))

	err := idx.UpsertChunks(ctx, "wide", Chunks("wide", 1, 16, 0))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("upsert with wrong dimension: err = %v, want ErrValidation", err)
	}
	if _, err := idx.Query(ctx, Axis(4, 0), 1); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("query with wrong dimension: err = %v, want ErrValidation", err)
	}
	if n := mustCount(t, idx); n != 2 {
		t.Errorf("Count = %d after rejected upsert, want 2", n)
	}
	if d, _ := idx.Dimension(ctx); d != 8 {
		t.Errorf("Dimension = %d, want 8", d)
	}
}

func testClearForgetsDimension(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", Chunks("doc", 2, 8, 0))
	if err := idx.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n := mustCount(t, idx); n != 0 {
		t.Fatalf("Count after Clear = %d", n)
	}
	mustUpsert(t, idx, "doc", Chunks("doc", 2, 16, 0))
	if d, _ := idx.Dimension(ctx); d != 16 {
		t.Errorf("Dimension = %d, want 16", d)
	}
}

func testDeleteDocument(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "keep", Chunks("keep", 2, 4, 0))
	mustUpsert(t, idx, "drop", Chunks("drop", 3, 4, 0))

	if err := idx.DeleteDocument(ctx, "drop"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n := mustCount(t, idx); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if err := idx.DeleteDocument(ctx, "drop"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	if n, _ := idx.CountDocuments(ctx); n != 1 {
		t.Errorf("CountDocuments = %d, want 1", n)
	}
}

func testListDocuments(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "zeta", Chunks("zeta", 1, 4, 0))
	mustUpsert(t, idx, "alpha", Chunks("alpha", 3, 4, 0))

	docs, err := idx.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if docs[0].ID != "alpha" || docs[0].Chunks != 3 || docs[1].ID != "zeta" || docs[1].Chunks != 1 {
		t.Errorf("documents = %+v", docs)
	}
	if docs[0].IngestedAt.IsZero() {
		t.Error("IngestedAt not set")
	}
}

func testChunksExport(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "zeta", []retrieval.Chunk{
		{Index: 5, Text: "zeta five", Embedding: Axis(4, 1)},
		{Index: 0, Text: "zeta zero", Embedding: Axis(4, 0)},
	})
	mustUpsert(t, idx, "alpha", Chunks("alpha", 2, 4, 0))

	chunks, err := idx.Chunks(ctx)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	want := []string{"alpha#0", "alpha#1", "zeta#0", "zeta#5"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if got := fmt.Sprintf("%s#%d", c.DocumentID, c.Index); got != want[i] {
			t.Errorf("chunk %d = %s, want %s", i, got, want[i])
		}
		if c.Embedding != nil {
			t.Errorf("chunk %s#%d carries its embedding", c.DocumentID, c.Index)
		}
		if c.CreatedAt.IsZero() {
			t.Errorf("chunk %s#%d has no created_at", c.DocumentID, c.Index)
		}
	}
	if chunks[3].Text != "zeta five" {
		t.Errorf("zeta#5 text = %q", chunks[3].Text)
	}

	if err := idx.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if chunks, _ := idx.Chunks(ctx); chunks == nil || len(chunks) != 0 {
		t.Errorf("Chunks after Clear = %v, want empty non-nil", chunks)
	}
}

// testSparseIndexesReplace replaces a document whose chunk indexes have
// gaps; no chunk of either generation may leak or go missing.
func testSparseIndexesReplace(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	mustUpsert(t, idx, "doc", []retrieval.Chunk{
		{Index: 0, Text: "first zero", Embedding: Axis(4, 0)},
		{Index: 7, Text: "first seven", Embedding: Axis(4, 1)},
	})
	mustUpsert(t, idx, "doc", []retrieval.Chunk{
		{Index: 3, Text: "second three", Embedding: Axis(4, 2)},
		{Index: 9, Text: "second nine", Embedding: Axis(4, 3)},
	})

	chunks, err := idx.Chunks(ctx)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "second three" || chunks[1].Text != "second nine" {
		t.Errorf("chunks = %+v", chunks)
	}
	if n := mustCount(t, idx); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func testInvalidChunks(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	cases := map[string][]retrieval.Chunk{
		"empty set":       nil,
		"no embedding":    {{Index: 0, Text: "x"}},
		"mixed dimension": {{Index: 0, Embedding: Axis(4, 0)}, {Index: 1, Embedding: Axis(8, 0)}},
		"duplicate index": {{Index: 0, Embedding: Axis(4, 0)}, {Index: 0, Embedding: Axis(4, 1)}},
	}
	for name, chunks := range cases {
		if err := idx.UpsertChunks(ctx, "doc", chunks); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}
	if n := mustCount(t, idx); n != 0 {
		t.Errorf("Count = %d after rejected upserts", n)
	}
}

// testQueryDuringReplace hammers a document with replacements while
// readers query; every reader must see exactly one complete generation.
func testQueryDuringReplace(t *testing.T, idx retrieval.VectorIndex) {
	ctx := context.Background()
	const dim, size = 8, 4
	generation := func(g int) []retrieval.Chunk {
		out := make([]retrieval.Chunk, size)
		for i := range out {
			out[i] = retrieval.Chunk{
				Index:     i,
				Text:      fmt.Sprintf("gen-%d", g),
				Embedding: Axis(dim, i),
			}
		}
		return out
	}
	mustUpsert(t, idx, "doc", generation(0))

	var stop atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				results, err := idx.Query(ctx, []float32{1, 1, 1, 1, 0, 0, 0, 0}, size)
				if err != nil {
					errs <- err
					return
				}
				if len(results) != size {
					errs <- fmt.Errorf("saw %d chunks, want %d", len(results), size)
					return
				}
				for _, res := range results[1:] {
					if res.Text != results[0].Text {
						errs <- fmt.Errorf("mixed generations %q and %q", results[0].Text, res.Text)
						return
					}
				}
			}
		}()
	}

	for g := 1; g <= 20; g++ {
		mustUpsert(t, idx, "doc", generation(g))
	}
	stop.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
