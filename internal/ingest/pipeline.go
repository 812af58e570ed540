// Package ingest turns raw documents into embedded chunks in a vector index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/extract"
	"github.com/kalambet/pixella/internal/retrieval"
)

// BatchEmbedder embeds many texts at once. On failure it returns the first
// error and a slice whose successful slots are non-nil.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer receives a document's full replacement chunk set.
type Indexer interface {
	UpsertChunks(ctx context.Context, documentID string, chunks []retrieval.Chunk) error
}

// IngestionError reports an import that stopped part way. The first
// Indexed chunks (in document order) were committed as the document's new
// chunk set; the remainder were not.
type IngestionError struct {
	DocumentID string
	Indexed    int
	Total      int
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingesting %s: indexed %d of %d chunks: %v", e.DocumentID, e.Indexed, e.Total, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Pipeline chunks, embeds and indexes documents.
type Pipeline struct {
	chunker  *Chunker
	embedder BatchEmbedder
	index    Indexer
	logger   *slog.Logger
}

func NewPipeline(chunker *Chunker, embedder BatchEmbedder, index Indexer) *Pipeline {
	if chunker == nil {
		chunker = NewChunker()
	}
	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		logger:   slog.Default(),
	}
}

// Ingest replaces documentID's chunks with those of text and returns how
// many chunks were indexed. Re-importing the same id supersedes the
// previous content in one atomic swap.
//
// If embedding fails part way the longest fully embedded prefix is
// committed and an *IngestionError is returned. Cancellation commits
// nothing.
func (p *Pipeline) Ingest(ctx context.Context, documentID, text string) (int, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, apperr.Validation("document id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return 0, apperr.Validation("document %q has no text", documentID)
	}

	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return 0, apperr.Validation("document %q has no text", documentID)
	}

	vecs, embedErr := p.embedder.EmbedBatch(ctx, pieces)
	if embedErr != nil && (ctx.Err() != nil || errors.Is(embedErr, context.Canceled)) {
		return 0, embedErr
	}

	chunks := make([]retrieval.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		if i >= len(vecs) || vecs[i] == nil {
			break
		}
		chunks = append(chunks, retrieval.Chunk{Index: i, Text: piece, Embedding: vecs[i]})
	}

	if embedErr == nil && len(chunks) != len(pieces) {
		embedErr = fmt.Errorf("embedder returned %d vectors for %d chunks", len(chunks), len(pieces))
	}
	if embedErr != nil && len(chunks) == 0 {
		return 0, &IngestionError{DocumentID: documentID, Total: len(pieces), Err: embedErr}
	}

	if err := p.index.UpsertChunks(ctx, documentID, chunks); err != nil {
		if embedErr != nil {
			p.logger.Error("committing partial document", "document_id", documentID, "error", err)
			return 0, &IngestionError{DocumentID: documentID, Total: len(pieces), Err: embedErr}
		}
		return 0, fmt.Errorf("indexing %s: %w", documentID, err)
	}

	if embedErr != nil {
		p.logger.Warn("document partially indexed",
			"document_id", documentID, "indexed", len(chunks), "total", len(pieces), "error", embedErr)
		return len(chunks), &IngestionError{DocumentID: documentID, Indexed: len(chunks), Total: len(pieces), Err: embedErr}
	}

	p.logger.Info("document indexed", "document_id", documentID, "chunks", len(chunks))
	return len(chunks), nil
}

// IngestFile extracts text from path and ingests it. An empty documentID
// defaults to the file's base name.
func (p *Pipeline) IngestFile(ctx context.Context, documentID, path string) (string, int, error) {
	if documentID == "" {
		documentID = filepath.Base(path)
	}
	text, err := extract.FromFile(path)
	if err != nil {
		return documentID, 0, err
	}
	n, err := p.Ingest(ctx, documentID, text)
	return documentID, n, err
}
