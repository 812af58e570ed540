package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kalambet/pixella/internal/apperr"
)

// ModelLister enumerates the models a provider can serve. engine.Engine
// satisfies it, as do the Ollama, OpenRouter and Anthropic generators.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	names, err := o.engine.ListModels(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || apperr.IsUpstream(err) {
			return nil, err
		}
		return nil, apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("ollama models: %w", err))
	}
	return names, nil
}

func (o *OpenRouter) ListModels(ctx context.Context) ([]string, error) {
	models, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids, nil
}

// ListModels returns the first page of models the API key can use.
func (a *Anthropic) ListModels(ctx context.Context) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, classifyAnthropic(ctx, "anthropic models", err)
	}
	ids := make([]string, len(page.Data))
	for i, m := range page.Data {
		ids[i] = m.ID
	}
	return ids, nil
}
