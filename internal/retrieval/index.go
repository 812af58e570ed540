package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
)

// MaxTopK is the largest result count a single query may ask for.
const MaxTopK = 100

// Chunk is one embedded slice of a source document. (DocumentID, Index)
// is unique within an index.
type Chunk struct {
	DocumentID string    `json:"document_id"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Result is a chunk matched by a query. Score is cosine similarity in
// [-1, 1]; Rank is 1-based.
type Result struct {
	Chunk
	Score float32 `json:"score"`
	Rank  int     `json:"rank"`
}

// DocumentInfo summarizes one indexed document.
type DocumentInfo struct {
	ID         string    `json:"id"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingested_at"`
}

// VectorIndex persists chunk embeddings and answers nearest-neighbour
// queries. UpsertChunks replaces a document's chunk set atomically: a
// concurrent Query sees either the old set or the new one, never a mix
// and never an empty gap.
type VectorIndex interface {
	UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	Query(ctx context.Context, vector []float32, topK int) ([]Result, error)
	Count(ctx context.Context) (int, error)
	CountDocuments(ctx context.Context) (int, error)
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)
	// Chunks returns every stored chunk without its embedding, ordered by
	// document id then chunk index.
	Chunks(ctx context.Context) ([]Chunk, error)
	// Dimension reports the embedding width shared by every chunk, or 0
	// when the index is empty and no width was configured.
	Dimension(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// prepareChunks validates a replacement set and stamps document id and
// ingestion time. It returns the set's embedding dimension.
func prepareChunks(documentID string, chunks []Chunk) (int, error) {
	if documentID == "" {
		return 0, apperr.Validation("document id is empty")
	}
	if len(chunks) == 0 {
		return 0, apperr.Validation("document %q has no chunks", documentID)
	}

	dim := len(chunks[0].Embedding)
	if dim == 0 {
		return 0, apperr.Validation("chunk 0 of %q has no embedding", documentID)
	}
	now := time.Now().UTC()
	seen := make(map[int]bool, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if len(c.Embedding) != dim {
			return 0, apperr.Validation("chunk %d of %q has dimension %d, want %d", c.Index, documentID, len(c.Embedding), dim)
		}
		if seen[c.Index] {
			return 0, apperr.Validation("duplicate chunk index %d in %q", c.Index, documentID)
		}
		seen[c.Index] = true
		c.DocumentID = documentID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	return dim, nil
}

// checkDimension enforces that dim matches the index's established width.
// current is 0 when nothing fixed it yet; configured is 0 when unset.
func checkDimension(dim, current, configured int) error {
	want := current
	if want == 0 {
		want = configured
	}
	if want != 0 && dim != want {
		return apperr.Validation("embedding dimension %d does not match index dimension %d", dim, want)
	}
	return nil
}

// better orders results: higher score first, then document id, then chunk
// index, so equal scores rank deterministically.
func better(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.Index < b.Index
}

// rankResults sorts results best-first and assigns ranks 1..n.
func rankResults(results []Result) {
	sort.Slice(results, func(i, j int) bool { return better(results[i], results[j]) })
	for i := range results {
		results[i].Rank = i + 1
	}
}

func sortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].DocumentID != chunks[j].DocumentID {
			return chunks[i].DocumentID < chunks[j].DocumentID
		}
		return chunks[i].Index < chunks[j].Index
	})
}

func sortDocuments(docs []DocumentInfo) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
