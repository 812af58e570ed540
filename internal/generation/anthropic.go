package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/session"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

// Anthropic generates replies with the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	opts   Options
}

// NewAnthropic builds a provider for the given API key. Extra request
// options (a base URL for tests, for instance) are passed to the SDK client.
// The SDK's own retries are disabled.
func NewAnthropic(apiKey string, opts Options, reqOpts ...option.RequestOption) *Anthropic {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, reqOpts...)
	if opts.Model == "" {
		opts.Model = defaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{client: anthropic.NewClient(all...), opts: opts}
}

func (a *Anthropic) Generate(ctx context.Context, p composer.Payload) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: int64(a.opts.MaxTokens),
		Messages:  anthropicMessages(p),
		System: []anthropic.TextBlockParam{
			{Text: composer.SystemPrompt(p)},
		},
	}
	if a.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(a.opts.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(ctx, "anthropic messages", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// anthropicMessages maps the history window and the new message. The API
// expects the conversation to open with a user message, so a window that
// starts mid-exchange gets a placeholder user turn.
func anthropicMessages(p composer.Payload) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(p.History)+2)
	if len(p.History) > 0 && p.History[0].Role != session.RoleUser {
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock("(earlier conversation omitted)")))
	}
	for _, t := range p.History {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == session.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(p.UserMessage)))
}

func classifyAnthropic(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apperr.FromStatus(apperr.ServiceGeneration, apiErr.StatusCode, fmt.Errorf("%s: %w", op, err))
	}
	return apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("%s: %w", op, err))
}
