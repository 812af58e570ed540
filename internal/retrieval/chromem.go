package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/pixella/internal/apperr"
)

var _ VectorIndex = (*ChromemIndex)(nil)

const chromemCollection = "chunks"

// ChromemIndex stores chunks in a persistent chromem-go database. chromem
// has no listing API, so per-document bookkeeping lives in a small JSON
// catalog next to the database directory.
type ChromemIndex struct {
	mu          sync.RWMutex
	db          *chromem.DB
	col         *chromem.Collection
	catalogPath string
	catalog     chromemCatalog
	configured  int
	logger      *slog.Logger
}

type chromemCatalog struct {
	Dimension int                        `json:"dimension"`
	Documents map[string]catalogDocument `json:"documents"`
}

type catalogDocument struct {
	Chunks     int       `json:"chunks"`
	Indexes    []int     `json:"indexes,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// chunkIndexes lists the stored chunk indexes. Catalogs written before
// indexes were recorded hold contiguous sets.
func (d catalogDocument) chunkIndexes() []int {
	if len(d.Indexes) > 0 {
		return d.Indexes
	}
	out := make([]int, d.Chunks)
	for i := range out {
		out[i] = i
	}
	return out
}

// NewChromemIndex opens (or creates) a chromem database under dir.
func NewChromemIndex(dir string, dimension int) (*ChromemIndex, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("opening chromem database: %w", err)
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("opening chromem collection: %w", err)
	}

	idx := &ChromemIndex{
		db:          db,
		col:         col,
		catalogPath: filepath.Clean(dir) + ".catalog.json",
		catalog:     chromemCatalog{Documents: map[string]catalogDocument{}},
		configured:  dimension,
		logger:      slog.Default(),
	}
	if err := idx.loadCatalog(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *ChromemIndex) loadCatalog() error {
	data, err := os.ReadFile(c.catalogPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index catalog: %w", err)
	}
	if err := json.Unmarshal(data, &c.catalog); err != nil {
		return fmt.Errorf("parsing index catalog: %w", err)
	}
	if c.catalog.Documents == nil {
		c.catalog.Documents = map[string]catalogDocument{}
	}
	return nil
}

func (c *ChromemIndex) saveCatalog() error {
	data, err := json.Marshal(c.catalog)
	if err != nil {
		return err
	}
	tmp := c.catalogPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing index catalog: %w", err)
	}
	return os.Rename(tmp, c.catalogPath)
}

func chromemID(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

func toChromemDocs(chunks []Chunk) []chromem.Document {
	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = chromem.Document{
			ID:        chromemID(ch.DocumentID, ch.Index),
			Content:   ch.Text,
			Embedding: append([]float32(nil), ch.Embedding...),
			Metadata: map[string]string{
				"document_id": ch.DocumentID,
				"chunk_index": strconv.Itoa(ch.Index),
				"created_at":  ch.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		}
	}
	return docs
}

func fromChromemMetadata(id, content string, meta map[string]string) (Chunk, error) {
	idx, err := strconv.Atoi(meta["chunk_index"])
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk %s: bad chunk_index: %w", id, err)
	}
	created, err := time.Parse(time.RFC3339Nano, meta["created_at"])
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk %s: bad created_at: %w", id, err)
	}
	return Chunk{DocumentID: meta["document_id"], Index: idx, Text: content, CreatedAt: created}, nil
}

// UpsertChunks swaps the document's chunks under the write lock. If adding
// the new set or saving the catalog fails the previous chunks are put back.
func (c *ChromemIndex) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	dim, err := prepareChunks(documentID, chunks)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkDimension(dim, c.catalog.Dimension, c.configured); err != nil {
		return err
	}

	var previous []chromem.Document
	prev, existed := c.catalog.Documents[documentID]
	if existed {
		previous, err = c.fetchDocuments(ctx, documentID, prev)
		if err != nil {
			return err
		}
		if err := c.col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
			return fmt.Errorf("removing previous chunks of %s: %w", documentID, err)
		}
	}

	if err := c.col.AddDocuments(ctx, toChromemDocs(chunks), runtime.NumCPU()); err != nil {
		c.restore(documentID, previous)
		return fmt.Errorf("adding chunks of %s: %w", documentID, err)
	}

	var ingested time.Time
	indexes := make([]int, len(chunks))
	for i, ch := range chunks {
		indexes[i] = ch.Index
		if ch.CreatedAt.After(ingested) {
			ingested = ch.CreatedAt
		}
	}
	prevDim := c.catalog.Dimension
	c.catalog.Dimension = dim
	c.catalog.Documents[documentID] = catalogDocument{Chunks: len(chunks), Indexes: indexes, IngestedAt: ingested}
	if err := c.saveCatalog(); err != nil {
		c.restore(documentID, previous)
		c.catalog.Dimension = prevDim
		if existed {
			c.catalog.Documents[documentID] = prev
		} else {
			delete(c.catalog.Documents, documentID)
		}
		return fmt.Errorf("saving index catalog: %w", err)
	}
	return nil
}

// fetchDocuments loads the stored chunks of a document, embeddings
// included, so a failed replace can be rolled back.
func (c *ChromemIndex) fetchDocuments(ctx context.Context, documentID string, d catalogDocument) ([]chromem.Document, error) {
	indexes := d.chunkIndexes()
	legacy := len(d.Indexes) == 0
	docs := make([]chromem.Document, 0, len(indexes))
	for _, i := range indexes {
		doc, err := c.col.GetByID(ctx, chromemID(documentID, i))
		if err != nil {
			if legacy {
				continue
			}
			return nil, fmt.Errorf("loading chunk %d of %s: %w", i, documentID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *ChromemIndex) restore(documentID string, previous []chromem.Document) {
	ctx := context.Background()
	if err := c.col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		c.logger.Warn("cleaning partial chunks", "document_id", documentID, "error", err)
	}
	if len(previous) == 0 {
		return
	}
	if err := c.col.AddDocuments(ctx, previous, 1); err != nil {
		c.logger.Error("restoring previous chunks", "document_id", documentID, "error", err)
	}
}

func (c *ChromemIndex) DeleteDocument(ctx context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.catalog.Documents[documentID]; !ok {
		return apperr.NotFound("document", documentID)
	}
	if err := c.col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	delete(c.catalog.Documents, documentID)
	return c.saveCatalog()
}

// Query asks chromem for every chunk and re-sorts with the index-wide tie
// order; chromem itself does not order equal similarities.
func (c *ChromemIndex) Query(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.col.Count()
	if n == 0 || c.catalog.Dimension == 0 {
		return nil, nil
	}
	if err := checkDimension(len(vector), c.catalog.Dimension, 0); err != nil {
		return nil, err
	}
	if norm(vector) == 0 {
		return nil, nil
	}

	raw, err := c.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	best := newTopK(topK)
	for _, r := range raw {
		ch, err := fromChromemMetadata(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		best.offer(Result{Chunk: ch, Score: clampScore(r.Similarity)})
	}
	return best.results(), nil
}

func clampScore(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

func (c *ChromemIndex) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.Count(), nil
}

func (c *ChromemIndex) CountDocuments(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.catalog.Documents), nil
}

func (c *ChromemIndex) ListDocuments(context.Context) ([]DocumentInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	docs := make([]DocumentInfo, 0, len(c.catalog.Documents))
	for id, d := range c.catalog.Documents {
		docs = append(docs, DocumentInfo{ID: id, Chunks: d.Chunks, IngestedAt: d.IngestedAt})
	}
	sortDocuments(docs)
	return docs, nil
}

func (c *ChromemIndex) Chunks(ctx context.Context) ([]Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []Chunk{}
	for id, d := range c.catalog.Documents {
		docs, err := c.fetchDocuments(ctx, id, d)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			ch, err := fromChromemMetadata(doc.ID, doc.Content, doc.Metadata)
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		}
	}
	sortChunks(out)
	return out, nil
}

func (c *ChromemIndex) Dimension(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.catalog.Dimension != 0 {
		return c.catalog.Dimension, nil
	}
	return c.configured, nil
}

func (c *ChromemIndex) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("dropping chromem collection: %w", err)
	}
	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("recreating chromem collection: %w", err)
	}
	c.col = col
	c.catalog = chromemCatalog{Documents: map[string]catalogDocument{}}
	return c.saveCatalog()
}
