package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunker(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewChunker()
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})

	t.Run("overlap exceeds chunk size", func(t *testing.T) {
		c := NewChunker(WithChunkSize(100), WithOverlap(150))
		assert.Less(t, c.Overlap(), c.Size())
	})

	t.Run("zero values ignored", func(t *testing.T) {
		c := NewChunker(WithChunkSize(0), WithOverlap(-1))
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})
}

func TestSplit_Empty(t *testing.T) {
	c := NewChunker()
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\n\t "))
}

func TestSplit_SmallText(t *testing.T) {
	c := NewChunker(WithChunkSize(100), WithOverlap(20))
	chunks := c.Split("  This is a small piece of content.  ")
	require.Len(t, chunks, 1)
	assert.Equal(t, "This is a small piece of content.", chunks[0])
}

func TestSplit_RespectsSize(t *testing.T) {
	c := NewChunker(WithChunkSize(50), WithOverlap(10))
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 50, "chunk %d too long", i)
		assert.NotEmpty(t, ch)
	}
}

func TestSplit_PrefersParagraphBreaks(t *testing.T) {
	c := NewChunker(WithChunkSize(60), WithOverlap(0))
	para := strings.Repeat("a", 40)
	text := para + "\n\n" + para + "\n\n" + para

	chunks := c.Split(text)
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.Equal(t, para, ch)
	}
}

func TestSplit_FallsBackToWords(t *testing.T) {
	c := NewChunker(WithChunkSize(20), WithOverlap(0))
	chunks := c.Split("alpha beta gamma delta epsilon zeta eta theta")

	for _, ch := range chunks {
		for _, word := range strings.Fields(ch) {
			assert.Contains(t, []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}, word,
				"chunk %q split a word", ch)
		}
	}
}

func TestSplit_Overlap(t *testing.T) {
	c := NewChunker(WithChunkSize(10), WithOverlap(4))
	chunks := c.Split(strings.Repeat("x", 25))

	require.Greater(t, len(chunks), 2)
	total := 0
	for _, ch := range chunks {
		total += len(ch)
	}
	assert.Greater(t, total, 25, "overlapping chunks should cover more than the input length")
}

func TestSplit_MultibyteRunes(t *testing.T) {
	c := NewChunker(WithChunkSize(5), WithOverlap(1))
	chunks := c.Split(strings.Repeat("日本語", 5))

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch))
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 5)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := NewChunker(WithChunkSize(30), WithOverlap(5))
	text := strings.Repeat("The quick brown fox jumps over the lazy dog.\n", 10)
	assert.Equal(t, c.Split(text), c.Split(text))
}
