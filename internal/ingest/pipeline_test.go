package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/retrieval"
)

// mockEmbedder returns a deterministic 3-dim vector per text unless failFn
// says otherwise.
type mockEmbedder struct {
	mu     sync.Mutex
	calls  int
	failFn func(i int, text string) error
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	var firstErr error
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if m.failFn != nil {
			if err := m.failFn(i, text); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		out[i] = []float32{float32(len(text)), 1, float32(i)}
	}
	return out, firstErr
}

func newTestPipeline(emb BatchEmbedder) (*Pipeline, *retrieval.MemoryIndex) {
	idx := retrieval.NewMemoryIndex(0)
	return NewPipeline(NewChunker(WithChunkSize(40), WithOverlap(0)), emb, idx), idx
}

func paragraphs(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = strings.Repeat(string(rune('a'+i)), 30)
	}
	return strings.Join(parts, "\n\n")
}

func TestIngest_IndexesAllChunks(t *testing.T) {
	p, idx := newTestPipeline(&mockEmbedder{})

	n, err := p.Ingest(context.Background(), "notes", paragraphs(3))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 3 {
		t.Errorf("indexed %d chunks, want 3", n)
	}
	if c, _ := idx.Count(context.Background()); c != 3 {
		t.Errorf("index holds %d chunks, want 3", c)
	}
}

func TestIngest_ReimportReplaces(t *testing.T) {
	p, idx := newTestPipeline(&mockEmbedder{})
	ctx := context.Background()

	if _, err := p.Ingest(ctx, "notes", paragraphs(4)); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if _, err := p.Ingest(ctx, "notes", paragraphs(2)); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	docs, _ := idx.ListDocuments(ctx)
	if len(docs) != 1 || docs[0].Chunks != 2 {
		t.Errorf("documents = %+v, want one document with 2 chunks", docs)
	}
}

func TestIngest_EmptyText(t *testing.T) {
	emb := &mockEmbedder{}
	p, _ := newTestPipeline(emb)

	for _, text := range []string{"", "   \n\t"} {
		_, err := p.Ingest(context.Background(), "doc", text)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Ingest(%q) err = %v, want ErrValidation", text, err)
		}
	}
	if _, err := p.Ingest(context.Background(), " ", "text"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank id err = %v, want ErrValidation", err)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for invalid input", emb.calls)
	}
}

func TestIngest_PartialFailureCommitsPrefix(t *testing.T) {
	upstream := apperr.Unavailable(apperr.ServiceEmbedding, errors.New("ollama crashed"))
	emb := &mockEmbedder{failFn: func(i int, _ string) error {
		if i >= 2 {
			return upstream
		}
		return nil
	}}
	p, idx := newTestPipeline(emb)
	ctx := context.Background()

	n, err := p.Ingest(ctx, "report", paragraphs(5))
	var ie *IngestionError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *IngestionError", err)
	}
	if ie.Indexed != 2 || ie.Total != 5 || n != 2 {
		t.Errorf("indexed %d/%d (n=%d), want 2/5", ie.Indexed, ie.Total, n)
	}
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("IngestionError should wrap the upstream failure, got %v", err)
	}

	results, _ := idx.Query(ctx, []float32{30, 1, 0}, 10)
	if len(results) != 2 {
		t.Fatalf("index holds %d chunks, want 2", len(results))
	}
	for _, r := range results {
		if r.Index > 1 {
			t.Errorf("chunk %d should not be indexed", r.Index)
		}
	}
}

func TestIngest_PrefixStopsAtFirstGap(t *testing.T) {
	emb := &mockEmbedder{failFn: func(i int, _ string) error {
		if i == 1 {
			return errors.New("boom")
		}
		return nil
	}}
	p, idx := newTestPipeline(emb)

	_, err := p.Ingest(context.Background(), "doc", paragraphs(4))
	var ie *IngestionError
	if !errors.As(err, &ie) || ie.Indexed != 1 {
		t.Fatalf("err = %v, want IngestionError with 1 indexed", err)
	}
	if c, _ := idx.Count(context.Background()); c != 1 {
		t.Errorf("index holds %d chunks, want 1", c)
	}
}

func TestIngest_TotalFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	good, idx := newTestPipeline(&mockEmbedder{})
	if _, err := good.Ingest(ctx, "doc", paragraphs(3)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	bad := NewPipeline(NewChunker(WithChunkSize(40), WithOverlap(0)),
		&mockEmbedder{failFn: func(int, string) error { return errors.New("down") }}, idx)
	_, err := bad.Ingest(ctx, "doc", paragraphs(2))
	var ie *IngestionError
	if !errors.As(err, &ie) || ie.Indexed != 0 {
		t.Fatalf("err = %v, want IngestionError with 0 indexed", err)
	}
	if c, _ := idx.Count(ctx); c != 3 {
		t.Errorf("previous chunks lost: index holds %d, want 3", c)
	}
}

func TestIngest_CancelledCommitsNothing(t *testing.T) {
	p, idx := newTestPipeline(&mockEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Ingest(ctx, "doc", paragraphs(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c, _ := idx.Count(context.Background()); c != 0 {
		t.Errorf("index holds %d chunks after cancellation", c)
	}
}

func TestIngestFile_DefaultsIDToBaseName(t *testing.T) {
	p, idx := newTestPipeline(&mockEmbedder{})
	path := filepath.Join(t.TempDir(), "handbook.md")
	if err := os.WriteFile(path, []byte(paragraphs(2)), 0o600); err != nil {
		t.Fatal(err)
	}

	id, n, err := p.IngestFile(context.Background(), "", path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if id != "handbook.md" || n != 2 {
		t.Errorf("IngestFile = (%q, %d), want (handbook.md, 2)", id, n)
	}
	docs, _ := idx.ListDocuments(context.Background())
	if len(docs) != 1 || docs[0].ID != "handbook.md" {
		t.Errorf("documents = %+v", docs)
	}
}
