package retrieval

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// QueryCache memoizes query embeddings. Repeated recall of the same text
// within a session is common and each miss is a model round-trip.
type QueryCache struct {
	cache *ristretto.Cache
}

// NewQueryCache returns a cache holding up to maxEntries vectors.
func NewQueryCache(maxEntries int) (*QueryCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("query cache size must be positive, got %d", maxEntries)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &QueryCache{cache: c}, nil
}

func cacheKey(model, text string) string {
	return model + "\x00" + text
}

// Get returns a copy of the cached vector.
func (q *QueryCache) Get(model, text string) ([]float32, bool) {
	v, ok := q.cache.Get(cacheKey(model, text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Set stores a copy of vec. Admission is asynchronous; call Wait when the
// entry must be visible immediately.
func (q *QueryCache) Set(model, text string, vec []float32) {
	q.cache.Set(cacheKey(model, text), append([]float32(nil), vec...), 1)
}

func (q *QueryCache) Wait() { q.cache.Wait() }

func (q *QueryCache) Clear() { q.cache.Clear() }

func (q *QueryCache) Close() { q.cache.Close() }
