package chat

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/engine"
	"github.com/kalambet/pixella/internal/generation"
	"github.com/kalambet/pixella/internal/ingest"
	"github.com/kalambet/pixella/internal/memory"
	"github.com/kalambet/pixella/internal/observability"
	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
)

const bagDim = 32

// bagEngine embeds text as a hashed bag of words so that texts sharing
// words score high. Chat is unused.
type bagEngine struct {
	mu       sync.Mutex
	embedErr error
	embeds   int
}

func (b *bagEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	b.mu.Lock()
	b.embeds++
	err := b.embedErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vec := make([]float32, bagDim)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%bagDim]++
	}
	return vec, nil
}

func (b *bagEngine) Chat(context.Context, string, []engine.Message, engine.ChatOptions) (string, error) {
	return "", errors.New("not used")
}
func (b *bagEngine) IsRunning(context.Context) bool                 { return true }
func (b *bagEngine) ListModels(context.Context) ([]string, error)   { return nil, nil }
func (b *bagEngine) HasModel(context.Context, string) bool          { return true }
func (b *bagEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

// recorder is a generator that remembers every payload it was given.
type recorder struct {
	mu       sync.Mutex
	payloads []composer.Payload
	err      error
}

func (r *recorder) Generate(_ context.Context, p composer.Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.payloads = append(r.payloads, p)
	return "reply to: " + p.UserMessage, nil
}

func (r *recorder) last() composer.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[len(r.payloads)-1]
}

type fixture struct {
	svc   *Service
	eng   *bagEngine
	gen   *recorder
	index *retrieval.MemoryIndex
	store session.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	eng := &bagEngine{}
	gen := &recorder{}
	idx := retrieval.NewMemoryIndex(0)
	store := session.NewMemoryStore()
	emb := retrieval.NewEmbedder(eng, "bag")

	svc := NewService(Deps{
		Memory:    memory.NewManager(store, memory.Config{}),
		Scorer:    retrieval.NewScorer(emb, idx),
		Pipeline:  ingest.NewPipeline(ingest.NewChunker(), emb, idx),
		Generator: gen,
		Metrics:   observability.NewMetrics("test"),
	}, cfg)
	return &fixture{svc: svc, eng: eng, gen: gen, index: idx, store: store}
}

func defaultConfig() Config {
	return Config{Assembly: composer.Config{TopK: 4, SimilarityFloor: 0.3}}
}

func TestScenario_RetrievalJoinsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	if _, err := f.svc.StartOrResumeSession(ctx, "s1"); err != nil {
		t.Fatalf("StartOrResumeSession: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, "s1", "Hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	sess, err := f.store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(sess.Turns))
	}
	if sess.Turns[0].Role != session.RoleUser || sess.Turns[0].Seq != 0 ||
		sess.Turns[1].Role != session.RoleAssistant || sess.Turns[1].Seq != 1 {
		t.Errorf("turns = %+v", sess.Turns)
	}

	n, err := f.svc.ImportDocument(ctx, "doc1", "Paris is the capital of France.")
	if err != nil || n != 1 {
		t.Fatalf("ImportDocument = (%d, %v), want (1, nil)", n, err)
	}

	if _, err := f.svc.SendMessage(ctx, "s1", "What is the capital of France?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	p := f.gen.last()
	if len(p.Retrieved) != 1 || p.Retrieved[0].DocumentID != "doc1" {
		t.Fatalf("retrieved = %+v, want the doc1 chunk", p.Retrieved)
	}
	if p.Retrieved[0].Score < 0.3 {
		t.Errorf("score %v below floor", p.Retrieved[0].Score)
	}
	if len(p.History) != 2 || p.History[0].Content != "Hello" {
		t.Errorf("history = %+v, want the 2 prior turns", p.History)
	}
	if !strings.Contains(composer.SystemPrompt(p), "Paris is the capital of France.") {
		t.Error("rendered context lacks the chunk text")
	}

	sess, _ = f.store.Load(ctx, "s1")
	if len(sess.Turns) != 4 || sess.Turns[3].Seq != 3 {
		t.Errorf("after second exchange turns = %+v", sess.Turns)
	}
}

func TestScenario_ReimportReplaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	long := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	first, err := f.svc.ImportDocument(ctx, "doc1", long)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first < 2 {
		t.Fatalf("first import produced %d chunks, want several", first)
	}
	second, err := f.svc.ImportDocument(ctx, "doc1", "A single short paragraph.")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}

	count, _ := f.index.Count(ctx)
	if count != second {
		t.Errorf("index count = %d, want %d (latest chunk set only)", count, second)
	}
}

func TestSendMessage_PersonaFallback(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.UserName = "Ada"
	cfg.UserPersona = "mathematician"
	f := newFixture(t, cfg)

	f.svc.StartOrResumeSession(ctx, "s")
	if _, err := f.svc.SendMessage(ctx, "s", "hi"); err != nil {
		t.Fatal(err)
	}
	if p := f.gen.last(); p.DisplayName != "Ada" || p.Persona != "mathematician" {
		t.Errorf("payload identity = %q/%q", p.DisplayName, p.Persona)
	}

	if err := f.svc.SetPersona(ctx, "s", session.StringPtr("Grace"), session.StringPtr("admiral")); err != nil {
		t.Fatalf("SetPersona: %v", err)
	}
	f.svc.SendMessage(ctx, "s", "hi again")
	if p := f.gen.last(); p.DisplayName != "Grace" || p.Persona != "admiral" {
		t.Errorf("payload identity = %q/%q, want session values", p.DisplayName, p.Persona)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "s")

	if _, err := f.svc.SendMessage(ctx, "s", "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank message err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.SendMessage(ctx, "ghost", "hi"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown session err = %v, want ErrNotFound", err)
	}
	sess, _ := f.store.Load(ctx, "s")
	if len(sess.Turns) != 0 {
		t.Errorf("invalid messages were stored: %+v", sess.Turns)
	}
}

func TestSendMessage_GenerationFailureKeepsUserTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "s")
	f.gen.err = apperr.Quota(apperr.ServiceGeneration, errors.New("429"))

	_, err := f.svc.SendMessage(ctx, "s", "hello?")
	if !errors.Is(err, apperr.ErrQuota) {
		t.Fatalf("err = %v, want ErrQuota", err)
	}
	sess, _ := f.store.Load(ctx, "s")
	if len(sess.Turns) != 1 || sess.Turns[0].Role != session.RoleUser {
		t.Errorf("turns = %+v, want only the user turn", sess.Turns)
	}
}

func TestSendMessage_EmbeddingOutageSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "s")
	if _, err := f.svc.ImportDocument(ctx, "doc", "some indexed text"); err != nil {
		t.Fatal(err)
	}
	f.eng.embedErr = errors.New("connection refused")

	_, err := f.svc.SendMessage(ctx, "s", "anything")
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if len(f.gen.payloads) != 0 {
		t.Error("generator called despite retrieval failure")
	}
}

func TestSendMessage_UsesCurrentSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	sum, err := f.svc.StartOrResumeSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SendMessage(ctx, "", "hi"); err != nil {
		t.Fatalf("SendMessage to current session: %v", err)
	}
	if p := f.gen.last(); p.SessionID != sum.ID {
		t.Errorf("payload session = %q, want %q", p.SessionID, sum.ID)
	}
}

func TestConcurrentSendMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "busy")

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.SendMessage(ctx, "busy", strings.Repeat("x", i+1)); err != nil {
				t.Errorf("SendMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := f.store.Load(ctx, "busy")
	if len(sess.Turns) != 20 {
		t.Fatalf("stored %d turns, want 20", len(sess.Turns))
	}
	for i, turn := range sess.Turns {
		if turn.Seq != i {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
}

func TestClearSessionAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	created, _ := f.svc.StartOrResumeSession(ctx, "s")
	f.svc.SendMessage(ctx, "s", "hello")
	f.svc.ImportDocument(ctx, "a", "alpha text")
	f.svc.ImportDocument(ctx, "b", "beta text")

	st, err := f.svc.SessionStats(ctx, "s")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.TurnCount != 2 || st.Documents != 2 || st.Chunks != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastActive.Before(created.CreatedAt) {
		t.Errorf("last active %v before creation %v", st.LastActive, created.CreatedAt)
	}

	for range 2 {
		if err := f.svc.ClearSession(ctx, "s"); err != nil {
			t.Fatalf("ClearSession: %v", err)
		}
	}
	st, _ = f.svc.SessionStats(ctx, "s")
	if st.TurnCount != 0 || !st.CreatedAt.Equal(created.CreatedAt) || st.Documents != 2 {
		t.Errorf("stats after clear = %+v", st)
	}

	if _, err := f.svc.SessionStats(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stats for missing session err = %v", err)
	}
}

func TestRecallAndDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	res, err := f.svc.Recall(ctx, "anything", 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("Recall on empty index = (%v, %v), want empty", res, err)
	}
	if f.eng.embeds != 0 {
		t.Errorf("empty index still embedded the query %d times", f.eng.embeds)
	}

	f.svc.ImportDocument(ctx, "geo", "Paris is the capital of France.")
	f.svc.ImportDocument(ctx, "food", "Croissants are flaky pastries.")

	res, err = f.svc.Recall(ctx, "capital of France", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(res) != 1 || res[0].DocumentID != "geo" || res[0].Rank != 1 {
		t.Errorf("recall = %+v", res)
	}

	docs, _ := f.svc.ListDocuments(ctx)
	if len(docs) != 2 {
		t.Errorf("documents = %+v", docs)
	}
	if err := f.svc.DeleteDocument(ctx, "food"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := f.svc.DeleteDocument(ctx, "food"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
	if err := f.svc.ClearIndex(ctx); err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
	if n, _ := f.index.Count(ctx); n != 0 {
		t.Errorf("index holds %d chunks after clear", n)
	}
	if _, err := f.svc.Recall(ctx, " ", 3); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank recall err = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	if _, err := f.svc.NewSession(ctx, "one", session.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.NewSession(ctx, "one", session.CreateOptions{}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("duplicate create err = %v", err)
	}
	f.svc.SendMessage(ctx, "one", "first")
	time.Sleep(2 * time.Millisecond)
	if _, err := f.svc.NewSession(ctx, "two", session.CreateOptions{}); err != nil {
		t.Fatal(err)
	}

	list, _ := f.svc.ListSessions(ctx)
	if len(list) != 2 || list[0].ID != "two" {
		t.Errorf("list = %+v, want two first", list)
	}

	if err := f.svc.RenameSession(ctx, "one", "uno"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	h, err := f.svc.History(ctx, "uno")
	if err != nil || len(h.Turns) != 2 {
		t.Errorf("renamed history = %+v, %v", h, err)
	}
	if err := f.svc.DeleteSession(ctx, "uno"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := f.svc.SwitchSession(ctx, "uno"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("switch to deleted err = %v", err)
	}
}

func TestPreviewStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "s")

	p, err := f.svc.Preview(ctx, "s", "draft")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.UserMessage != "draft" {
		t.Errorf("payload = %+v", p)
	}
	sess, _ := f.store.Load(ctx, "s")
	if len(sess.Turns) != 0 || len(f.gen.payloads) != 0 {
		t.Error("preview stored turns or called the generator")
	}
}

var _ generation.Generator = (*recorder)(nil)

func TestRecall_TopKAboveMaximum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.ImportDocument(ctx, "geo", "Paris is the capital of France.")

	if _, err := f.svc.Recall(ctx, "capital", 1<<40); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.Recall(ctx, "capital", retrieval.MaxTopK); err != nil {
		t.Errorf("Recall at the maximum: %v", err)
	}
}

func TestExportDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	exp, err := f.svc.ExportDocuments(ctx)
	if err != nil {
		t.Fatalf("ExportDocuments on empty index: %v", err)
	}
	if exp.Count != 0 || len(exp.Chunks) != 0 || exp.Chunks == nil {
		t.Errorf("empty export = %+v", exp)
	}

	f.svc.ImportDocument(ctx, "geo", "Paris is the capital of France.")
	f.svc.ImportDocument(ctx, "food", "Croissants are flaky pastries.")

	exp, err = f.svc.ExportDocuments(ctx)
	if err != nil {
		t.Fatalf("ExportDocuments: %v", err)
	}
	if exp.Count != 2 || len(exp.Documents) != 2 || exp.ExportedAt.IsZero() {
		t.Fatalf("export = %+v", exp)
	}
	if exp.Chunks[0].DocumentID != "food" || exp.Chunks[1].Text != "Paris is the capital of France." {
		t.Errorf("chunks = %+v", exp.Chunks)
	}
}

func TestDeleteAllSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.svc.StartOrResumeSession(ctx, "a")
	f.svc.StartOrResumeSession(ctx, "b")

	n, err := f.svc.DeleteAllSessions(ctx)
	if err != nil || n != 2 {
		t.Fatalf("DeleteAllSessions = (%d, %v), want 2", n, err)
	}
	if list, _ := f.svc.ListSessions(ctx); len(list) != 0 {
		t.Errorf("sessions left: %+v", list)
	}
	if _, err := f.svc.SendMessage(ctx, "", "hi"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("send to forgotten current session err = %v", err)
	}
}

type staticModels struct {
	names []string
	err   error
}

func (s staticModels) ListModels(context.Context) ([]string, error) { return s.names, s.err }

func TestModels(t *testing.T) {
	ctx := context.Background()
	eng := &bagEngine{}
	emb := retrieval.NewEmbedder(eng, "bag")
	idx := retrieval.NewMemoryIndex(0)
	svc := NewService(Deps{
		Memory:      memory.NewManager(session.NewMemoryStore(), memory.Config{}),
		Scorer:      retrieval.NewScorer(emb, idx),
		Pipeline:    ingest.NewPipeline(ingest.NewChunker(), emb, idx),
		Generator:   &recorder{},
		ChatModels:  staticModels{names: []string{"llama3", "gemma"}},
		EmbedModels: staticModels{err: errors.New("connection refused")},
	}, Config{Provider: "ollama", ChatModel: "llama3", EmbedModel: "nomic-embed-text"})

	cat, err := svc.Models(ctx, "chat")
	if err != nil {
		t.Fatalf("Models(chat): %v", err)
	}
	if cat.ChatModel != "llama3" || cat.EmbedModel != "nomic-embed-text" || cat.Provider != "ollama" {
		t.Errorf("catalog = %+v", cat)
	}
	if len(cat.Chat) != 2 || cat.Chat[0] != "gemma" || cat.Embedding != nil {
		t.Errorf("chat models = %v, embedding = %v", cat.Chat, cat.Embedding)
	}

	if _, err := svc.Models(ctx, ""); !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("listing with embedding backend down err = %v", err)
	}
	if _, err := svc.Models(ctx, "vision"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown kind err = %v", err)
	}
}
