package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
)

var _ VectorIndex = (*SQLiteIndex)(nil)

const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"
	metaDimension    = "dimension"
)

// SQLiteIndex stores chunk vectors in the chunks table and answers queries
// with a brute-force cosine scan. This is the default VectorIndex.
//
// When the chunk count reaches the hundreds of thousands the scan becomes
// the dominant cost; ChromemIndex is the alternative for larger corpora.
type SQLiteIndex struct {
	db         *sql.DB
	configured int
}

// NewSQLiteIndex wraps an existing *sql.DB. The chunks and index_meta
// tables must already exist (created by storage migrations). dimension
// pins the embedding width up front; pass 0 to take it from the first
// insert.
func NewSQLiteIndex(db *sql.DB, dimension int) *SQLiteIndex {
	return &SQLiteIndex{db: db, configured: dimension}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storedDimension(ctx context.Context, q queryer) (int, error) {
	var v string
	err := q.QueryRowContext(ctx, "SELECT value FROM index_meta WHERE key = ?", metaDimension).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading index dimension: %w", err)
	}
	d, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing index dimension %q: %w", v, err)
	}
	return d, nil
}

// UpsertChunks replaces every chunk of documentID in one transaction.
func (s *SQLiteIndex) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	dim, err := prepareChunks(documentID, chunks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := storedDimension(ctx, tx)
	if err != nil {
		return err
	}
	if err := checkDimension(dim, current, s.configured); err != nil {
		return err
	}
	if current == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO index_meta (key, value) VALUES (?, ?)", metaDimension, strconv.Itoa(dim),
		); err != nil {
			return fmt.Errorf("recording index dimension: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("removing previous chunks of %s: %w", documentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, chunk_index, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, documentID, c.Index, c.Text,
			encodeFloat32s(c.Embedding), c.CreatedAt.UTC().Format(sqliteTimeLayout),
		); err != nil {
			return fmt.Errorf("inserting chunk %d of %s: %w", c.Index, documentID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("document", documentID)
	}
	return nil
}

// Query scans id and embedding columns only, then fetches text for the
// top-K winners. Both phases run in one transaction so a concurrent
// replace cannot slip in between them.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning query transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := storedDimension(ctx, tx)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, nil
	}
	if err := checkDimension(len(vector), current, 0); err != nil {
		return nil, err
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT document_id, chunk_index, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	best := newTopK(topK)
	var buf []float32
	for rows.Next() {
		var r Result
		var blob []byte
		if err := rows.Scan(&r.DocumentID, &r.Index, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s#%d: %w", r.DocumentID, r.Index, err)
		}
		r.Score = cosine(vector, buf, queryNorm)
		best.offer(r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	results := best.results()
	if len(results) == 0 {
		return nil, nil
	}

	conds := make([]string, len(results))
	args := make([]any, 0, 2*len(results))
	pos := make(map[string]int, len(results))
	for i, r := range results {
		conds[i] = "(document_id = ? AND chunk_index = ?)"
		args = append(args, r.DocumentID, r.Index)
		pos[chunkKey(r.DocumentID, r.Index)] = i
	}
	full, err := tx.QueryContext(ctx,
		`SELECT document_id, chunk_index, text, created_at FROM chunks WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer full.Close()

	for full.Next() {
		var docID, text, createdAt string
		var idx int
		if err := full.Scan(&docID, &idx, &text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		i, ok := pos[chunkKey(docID, idx)]
		if !ok {
			continue
		}
		results[i].Text = text
		if results[i].CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return results, nil
}

func chunkKey(documentID string, index int) string {
	return documentID + "\x00" + strconv.Itoa(index)
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

func (s *SQLiteIndex) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT document_id) FROM chunks").Scan(&n)
	return n, err
}

func (s *SQLiteIndex) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, COUNT(*), MAX(created_at) FROM chunks
		GROUP BY document_id ORDER BY document_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := []DocumentInfo{}
	for rows.Next() {
		var d DocumentInfo
		var ingested string
		if err := rows.Scan(&d.ID, &d.Chunks, &ingested); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.IngestedAt, err = time.Parse(sqliteTimeLayout, ingested); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteIndex) Chunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, chunk_index, text, created_at FROM chunks
		ORDER BY document_id ASC, chunk_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		var created string
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Text, &created); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteIndex) Dimension(ctx context.Context) (int, error) {
	d, err := storedDimension(ctx, s.db)
	if err != nil || d != 0 {
		return d, err
	}
	return s.configured, nil
}

// Clear removes every chunk and forgets the learned dimension.
func (s *SQLiteIndex) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM index_meta WHERE key = ?", metaDimension); err != nil {
		return fmt.Errorf("resetting dimension: %w", err)
	}
	return tx.Commit()
}
