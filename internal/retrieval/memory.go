package retrieval

import (
	"context"
	"sync"

	"github.com/kalambet/pixella/internal/apperr"
)

var _ VectorIndex = (*MemoryIndex)(nil)

// MemoryIndex keeps chunks in process memory. It is used by tests and by
// the memory vector backend; nothing survives a restart.
type MemoryIndex struct {
	mu         sync.RWMutex
	docs       map[string][]Chunk
	dimension  int
	configured int
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{docs: make(map[string][]Chunk), configured: dimension}
}

func (m *MemoryIndex) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	dim, err := prepareChunks(documentID, chunks)
	if err != nil {
		return err
	}
	stored := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		stored[i] = c
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkDimension(dim, m.dimension, m.configured); err != nil {
		return err
	}
	m.dimension = dim
	m.docs[documentID] = stored
	return nil
}

func (m *MemoryIndex) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		return apperr.NotFound("document", documentID)
	}
	delete(m.docs, documentID)
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension == 0 || len(m.docs) == 0 {
		return nil, nil
	}
	if err := checkDimension(len(vector), m.dimension, 0); err != nil {
		return nil, err
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	best := newTopK(topK)
	for _, chunks := range m.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, c := range chunks {
			best.offer(Result{Chunk: c, Score: cosine(vector, c.Embedding, queryNorm)})
		}
	}
	results := best.results()
	for i := range results {
		results[i].Embedding = nil
	}
	return results, nil
}

func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, chunks := range m.docs {
		n += len(chunks)
	}
	return n, nil
}

func (m *MemoryIndex) CountDocuments(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryIndex) ListDocuments(context.Context) ([]DocumentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]DocumentInfo, 0, len(m.docs))
	for id, chunks := range m.docs {
		info := DocumentInfo{ID: id, Chunks: len(chunks)}
		for _, c := range chunks {
			if c.CreatedAt.After(info.IngestedAt) {
				info.IngestedAt = c.CreatedAt
			}
		}
		docs = append(docs, info)
	}
	sortDocuments(docs)
	return docs, nil
}

func (m *MemoryIndex) Chunks(context.Context) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Chunk{}
	for _, chunks := range m.docs {
		for _, c := range chunks {
			c.Embedding = nil
			out = append(out, c)
		}
	}
	sortChunks(out)
	return out, nil
}

func (m *MemoryIndex) Dimension(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dimension != 0 {
		return m.dimension, nil
	}
	return m.configured, nil
}

func (m *MemoryIndex) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string][]Chunk)
	m.dimension = 0
	return nil
}
