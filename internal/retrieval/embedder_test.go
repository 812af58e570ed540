package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ engine.ChatOptions) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_PlainErrorBecomesUpstream(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	var ue *apperr.UpstreamError
	if !errors.As(err, &ue) || ue.Service != apperr.ServiceEmbedding {
		t.Errorf("err = %#v, want embedding UpstreamError", err)
	}
}

func TestEmbed_QuotaPreserved(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, apperr.Quota(apperr.ServiceEmbedding, errors.New("slow down"))
		},
	}
	_, err := NewEmbedder(mock, "m").Embed(context.Background(), "hello")
	if !errors.Is(err, apperr.ErrQuota) {
		t.Errorf("err = %v, want ErrQuota", err)
	}
}

func TestEmbed_EmptyVector(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return []float32{}, nil
		},
	}
	_, err := NewEmbedder(mock, "m").Embed(context.Background(), "hello")
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestEmbed_CancellationPassesThrough(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(ctx context.Context, _ string, _ string) ([]float32, error) {
			return nil, ctx.Err()
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEmbedder(mock, "m").Embed(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if apperr.IsUpstream(err) {
		t.Error("cancellation should not be reported as an upstream failure")
	}
}

func TestEmbed_UsesCache(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			calls.Add(1)
			return []float32{1, 2, 3}, nil
		},
	}
	cache, err := NewQueryCache(100)
	if err != nil {
		t.Fatalf("NewQueryCache: %v", err)
	}
	defer cache.Close()
	e := NewEmbedder(mock, "m").WithCache(cache)

	first, err := e.Embed(context.Background(), "same question")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	cache.Wait()
	first[0] = 42 // mutating the returned slice must not poison the cache

	second, err := e.Embed(context.Background(), "same question")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("engine called %d times, want 1", calls.Load())
	}
	if second[0] != 1 {
		t.Errorf("cached vector = %v, want [1 2 3]", second)
	}
}

func TestEmbedBatch_CountMatches(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v == nil {
			t.Errorf("vector %d is nil", i)
		}
	}
}

func TestEmbedBatch_OllamaError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if len(vecs) != 3 || vecs[1] != nil {
		t.Errorf("failed slot should be nil, got %v", vecs)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestEmbedBatch_Cancelled(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(ctx context.Context, _ string, _ string) ([]float32, error) {
			return nil, ctx.Err()
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEmbedder(mock, "m").EmbedBatch(ctx, []string{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
