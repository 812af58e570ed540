package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/engine"
)

// Ollama generates replies with a local model through an engine.Engine.
type Ollama struct {
	engine engine.Engine
	opts   Options
}

func NewOllama(e engine.Engine, opts Options) *Ollama {
	return &Ollama{engine: e, opts: opts}
}

func (o *Ollama) Generate(ctx context.Context, p composer.Payload) (string, error) {
	rendered := composer.Render(p)
	msgs := make([]engine.Message, len(rendered))
	for i, m := range rendered {
		msgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}

	out, err := o.engine.Chat(ctx, o.opts.Model, msgs, engine.ChatOptions{
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || apperr.IsUpstream(err) {
			return "", err
		}
		return "", apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("ollama chat: %w", err))
	}
	return out, nil
}
