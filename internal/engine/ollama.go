package engine

import (
	"context"
	"errors"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var o *ollama.Options
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		o = &ollama.Options{NumPredict: opts.MaxTokens, Temperature: opts.Temperature}
	}

	out, err := e.client.Chat(ctx, model, msgs, o)
	if err != nil {
		return "", classify(apperr.ServiceGeneration, err)
	}
	return out, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	if err != nil {
		return nil, classify(apperr.ServiceEmbedding, err)
	}
	return vec, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

// classify turns a client error into an UpstreamError. Caller cancellation
// is passed through untouched.
func classify(service string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status := ollama.Status(err); status != 0 {
		return apperr.FromStatus(service, status, err)
	}
	return apperr.Unavailable(service, err)
}
