package ingest

import "strings"

const (
	// DefaultChunkSize is the default number of runes per chunk.
	DefaultChunkSize = 500

	// DefaultChunkOverlap is the default number of runes shared by
	// consecutive chunks.
	DefaultChunkOverlap = 50
)

// separators are tried in order when looking for a place to end a chunk.
var separators = []string{"\n\n", "\n", " "}

// Chunker splits text into overlapping, roughly fixed-size pieces that
// prefer to end on paragraph, line or word boundaries.
type Chunker struct {
	size    int
	overlap int
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkSize sets the target chunk size in runes.
func WithChunkSize(size int) ChunkerOption {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between chunks in runes.
func WithOverlap(overlap int) ChunkerOption {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the trimmed, non-empty chunks of text in order.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	var chunks []string

	start := 0
	for start < len(runes) {
		end := min(start+c.size, len(runes))
		if end < len(runes) {
			end = c.breakPoint(runes, start, end)
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end >= len(runes) {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint moves end back to just after the last separator found in the
// second half of the window, trying separators in priority order. The
// window end is returned when none is found.
func (c *Chunker) breakPoint(runes []rune, start, end int) int {
	floor := start + c.size/2
	window := string(runes[floor:end])
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return floor + len([]rune(window[:i+len(sep)]))
		}
	}
	return end
}
