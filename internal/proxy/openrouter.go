// Package proxy talks to OpenRouter's OpenAI-compatible completion API.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 4 << 10
)

// Client communicates with the OpenRouter API. It makes exactly one attempt
// per call; retries belong to the caller (see internal/reliability).
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/kalambet/pixella",
		title:   "pixella",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Complete sends a non-streaming chat completion request and returns the
// text of the first choice. HTTP 429 and 402 are reported as quota errors,
// every other failure as an unavailable generation service.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", apperr.FromStatus(apperr.ServiceGeneration, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("decoding response: %w", err))
	}
	// OpenRouter reports some upstream failures inside a 200 body.
	if out.Error != nil {
		return "", apperr.FromStatus(apperr.ServiceGeneration, out.Error.Code, errors.New(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", apperr.Unavailable(apperr.ServiceGeneration, errors.New("response has no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// ListModels returns the models OpenRouter can route to. Failures are
// classified like Complete's.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("requesting models: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromStatus(apperr.ServiceGeneration, resp.StatusCode,
			fmt.Errorf("listing models: unexpected status %d", resp.StatusCode))
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, apperr.Unavailable(apperr.ServiceGeneration, fmt.Errorf("decoding models: %w", err))
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
