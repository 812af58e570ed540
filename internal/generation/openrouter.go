package generation

import (
	"context"

	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/proxy"
)

// OpenRouter generates replies with a hosted model through OpenRouter.
type OpenRouter struct {
	client *proxy.Client
	opts   Options
}

func NewOpenRouter(client *proxy.Client, opts Options) *OpenRouter {
	return &OpenRouter{client: client, opts: opts}
}

func (o *OpenRouter) Generate(ctx context.Context, p composer.Payload) (string, error) {
	rendered := composer.Render(p)
	msgs := make([]proxy.Message, len(rendered))
	for i, m := range rendered {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	return o.client.Complete(ctx, proxy.ChatRequest{
		Model:       o.opts.Model,
		Messages:    msgs,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
}
