package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/engine"
	"github.com/kalambet/pixella/internal/proxy"
	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
)

func testPayload() composer.Payload {
	return composer.Payload{
		SessionID:   "s1",
		DisplayName: "Ada",
		History: []session.Turn{
			{Seq: 0, Role: session.RoleUser, Content: "Hello"},
			{Seq: 1, Role: session.RoleAssistant, Content: "Hi!"},
		},
		Retrieved: []retrieval.Result{
			{Chunk: retrieval.Chunk{DocumentID: "atlas", Text: "Paris is the capital of France."}, Score: 0.9, Rank: 1},
		},
		UserMessage: "What is the capital of France?",
	}
}

// mockEngine implements engine.Engine with only Chat wired.
type mockEngine struct {
	chatFn func(ctx context.Context, model string, msgs []engine.Message, opts engine.ChatOptions) (string, error)
}

func (m *mockEngine) Chat(ctx context.Context, model string, msgs []engine.Message, opts engine.ChatOptions) (string, error) {
	return m.chatFn(ctx, model, msgs, opts)
}
func (m *mockEngine) Embed(context.Context, string, string) ([]float32, error) { return nil, nil }
func (m *mockEngine) IsRunning(context.Context) bool                          { return true }
func (m *mockEngine) ListModels(context.Context) ([]string, error)            { return nil, nil }
func (m *mockEngine) HasModel(context.Context, string) bool                   { return true }
func (m *mockEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func TestOllama_Generate(t *testing.T) {
	var gotModel string
	var gotMsgs []engine.Message
	var gotOpts engine.ChatOptions
	e := &mockEngine{chatFn: func(_ context.Context, model string, msgs []engine.Message, opts engine.ChatOptions) (string, error) {
		gotModel, gotMsgs, gotOpts = model, msgs, opts
		return "Paris.", nil
	}}

	g := NewOllama(e, Options{Model: "llama3.2", MaxTokens: 256})
	out, err := g.Generate(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Paris." {
		t.Errorf("out = %q", out)
	}
	if gotModel != "llama3.2" || gotOpts.MaxTokens != 256 {
		t.Errorf("model = %q, opts = %+v", gotModel, gotOpts)
	}
	if len(gotMsgs) != 4 || gotMsgs[0].Role != "system" || gotMsgs[3].Content != "What is the capital of France?" {
		t.Errorf("messages = %+v", gotMsgs)
	}
}

func TestOllama_ErrorsAreUpstream(t *testing.T) {
	e := &mockEngine{chatFn: func(context.Context, string, []engine.Message, engine.ChatOptions) (string, error) {
		return "", errors.New("connection refused")
	}}
	_, err := NewOllama(e, Options{}).Generate(context.Background(), testPayload())
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}

	quota := apperr.Quota(apperr.ServiceGeneration, errors.New("busy"))
	e.chatFn = func(context.Context, string, []engine.Message, engine.ChatOptions) (string, error) {
		return "", quota
	}
	if _, err := NewOllama(e, Options{}).Generate(context.Background(), testPayload()); !errors.Is(err, apperr.ErrQuota) {
		t.Errorf("err = %v, want ErrQuota preserved", err)
	}
}

func TestOpenRouter_Generate(t *testing.T) {
	var req proxy.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"Paris."}}]}`)
	}))
	defer srv.Close()

	g := NewOpenRouter(proxy.NewClientWithBaseURL("k", srv.URL), Options{Model: "openai/gpt-4o", MaxTokens: 100})
	out, err := g.Generate(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Paris." {
		t.Errorf("out = %q", out)
	}
	if req.Model != "openai/gpt-4o" || req.MaxTokens != 100 || len(req.Messages) != 4 {
		t.Errorf("request = %+v", req)
	}
}

type anthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role string `json:"role"`
	} `json:"messages"`
}

func TestAnthropic_Generate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Paris"},{"type":"text","text":"."}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`)
	}))
	defer srv.Close()

	g := NewAnthropic("k", Options{Model: "claude-test"}, option.WithBaseURL(srv.URL))
	out, err := g.Generate(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Paris." {
		t.Errorf("out = %q", out)
	}
	if got.Model != "claude-test" || got.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("model = %q, max_tokens = %d", got.Model, got.MaxTokens)
	}
	if len(got.System) != 1 || got.System[0].Text != composer.SystemPrompt(testPayload()) {
		t.Errorf("system = %+v", got.System)
	}
	if len(got.Messages) != 3 || got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestAnthropic_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, apperr.ErrQuota},
		{http.StatusInternalServerError, apperr.ErrUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
			}))
			defer srv.Close()

			g := NewAnthropic("k", Options{}, option.WithBaseURL(srv.URL))
			_, err := g.Generate(context.Background(), testPayload())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if n := attempts.Load(); n != 1 {
				t.Errorf("attempts = %d, want 1", n)
			}
		})
	}
}

func TestAnthropicMessages_LeadingAssistant(t *testing.T) {
	p := composer.Payload{
		History:     []session.Turn{{Seq: 5, Role: session.RoleAssistant, Content: "as I said"}},
		UserMessage: "go on",
	}
	msgs := anthropicMessages(p)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("roles = %s %s %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
}

func TestRateLimited_SpacesCalls(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, composer.Payload) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	g := NewRateLimited(inner, 40*time.Millisecond)

	start := time.Now()
	for range 3 {
		if _, err := g.Generate(context.Background(), composer.Payload{}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls took %v, want at least 80ms", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestRateLimited_CancelWhileWaiting(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, composer.Payload) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	g := NewRateLimited(inner, time.Hour)

	if _, err := g.Generate(context.Background(), composer.Payload{}); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, composer.Payload{}); err == nil {
		t.Fatal("expected error while waiting for the limiter")
	}
	if calls.Load() != 1 {
		t.Errorf("inner generator called %d times, want 1", calls.Load())
	}
}

func TestRateLimited_Disabled(t *testing.T) {
	g := NewRateLimited(Func(func(context.Context, composer.Payload) (string, error) { return "ok", nil }), 0)
	start := time.Now()
	for range 50 {
		g.Generate(context.Background(), composer.Payload{})
	}
	if time.Since(start) > time.Second {
		t.Error("disabled limiter is throttling")
	}
}
