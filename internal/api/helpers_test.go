package api

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/kalambet/pixella/internal/chat"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/engine"
	"github.com/kalambet/pixella/internal/generation"
	"github.com/kalambet/pixella/internal/ingest"
	"github.com/kalambet/pixella/internal/memory"
	"github.com/kalambet/pixella/internal/observability"
	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
)

const testToken = "test-token-12345"

// wordEngine embeds text as a hashed bag of words.
type wordEngine struct {
	mu  sync.Mutex
	err error
}

func (e *wordEngine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *wordEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vec := make([]float32, 16)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%16]++
	}
	return vec, nil
}

func (e *wordEngine) Chat(context.Context, string, []engine.Message, engine.ChatOptions) (string, error) {
	return "", errors.New("not used")
}
func (e *wordEngine) IsRunning(context.Context) bool               { return true }
func (e *wordEngine) ListModels(context.Context) ([]string, error) {
	return []string{"words-embed", "words-chat"}, nil
}
func (e *wordEngine) HasModel(context.Context, string) bool        { return true }
func (e *wordEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type testEnv struct {
	svc     *chat.Service
	eng     *wordEngine
	metrics *observability.Metrics
	genErr  error
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{eng: &wordEngine{}, metrics: observability.NewMetrics("test")}
	emb := retrieval.NewEmbedder(env.eng, "words")
	idx := retrieval.NewMemoryIndex(0)
	gen := generation.Func(func(_ context.Context, p composer.Payload) (string, error) {
		if env.genErr != nil {
			return "", env.genErr
		}
		return "echo: " + p.UserMessage, nil
	})
	env.svc = chat.NewService(chat.Deps{
		Memory:      memory.NewManager(session.NewMemoryStore(), memory.Config{}),
		Scorer:      retrieval.NewScorer(emb, idx),
		Pipeline:    ingest.NewPipeline(ingest.NewChunker(), emb, idx),
		Generator:   gen,
		Metrics:     env.metrics,
		ChatModels:  env.eng,
		EmbedModels: env.eng,
	}, chat.Config{
		Assembly:   composer.Config{TopK: 3},
		Provider:   "ollama",
		ChatModel:  "words-chat",
		EmbedModel: "words-embed",
	})
	env.handler = NewHandler(Deps{Service: env.svc, Metrics: env.metrics, Token: testToken})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (env *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}
