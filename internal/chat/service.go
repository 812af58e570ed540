// Package chat is the conversation core's public face: the operations the
// REPL, the HTTP API and the MCP server call for every session and
// document action.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/generation"
	"github.com/kalambet/pixella/internal/ingest"
	"github.com/kalambet/pixella/internal/memory"
	"github.com/kalambet/pixella/internal/observability"
	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
)

// Config carries the per-turn limits and the fallback identity used when
// a session has no persona or display name of its own.
type Config struct {
	Assembly    composer.Config
	UserName    string
	UserPersona string

	// Provider, ChatModel and EmbedModel name what is configured; they are
	// reported by Models.
	Provider   string
	ChatModel  string
	EmbedModel string
}

// Deps are the collaborators a Service orchestrates. Metrics may be nil.
type Deps struct {
	Memory    *memory.Manager
	Scorer    *retrieval.Scorer
	Pipeline  *ingest.Pipeline
	Generator generation.Generator
	Metrics   *observability.Metrics

	// ChatModels and EmbedModels enumerate available models; either may
	// be nil.
	ChatModels  generation.ModelLister
	EmbedModels generation.ModelLister
}

// Stats describes one session and the shared document index.
type Stats struct {
	SessionID  string        `json:"session_id"`
	State      session.State `json:"state"`
	TurnCount  int           `json:"turn_count"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	Documents  int           `json:"documents"`
	Chunks     int           `json:"chunks"`
}

// ModelCatalog lists configured and available models.
type ModelCatalog struct {
	Provider   string   `json:"provider"`
	ChatModel  string   `json:"chat_model"`
	EmbedModel string   `json:"embedding_model"`
	Chat       []string `json:"chat,omitempty"`
	Embedding  []string `json:"embedding,omitempty"`
}

// DocumentExport is a portable dump of the document index.
type DocumentExport struct {
	ExportedAt time.Time                `json:"exported_at"`
	Count      int                      `json:"count"`
	Documents  []retrieval.DocumentInfo `json:"documents"`
	Chunks     []retrieval.Chunk        `json:"chunks"`
}

// Service runs conversation turns and document imports. It holds no lock
// across embedding or generation calls; per-session ordering is enforced
// by the session store.
type Service struct {
	memory    *memory.Manager
	scorer    *retrieval.Scorer
	index     retrieval.VectorIndex
	pipeline  *ingest.Pipeline
	assembler *composer.Assembler
	generator generation.Generator
	metrics   *observability.Metrics
	chatList  generation.ModelLister
	embedList generation.ModelLister
	cfg       Config
	logger    *slog.Logger
}

func NewService(deps Deps, cfg Config) *Service {
	retriever := &timedRetriever{next: deps.Scorer, metrics: deps.Metrics}
	return &Service{
		memory:    deps.Memory,
		scorer:    deps.Scorer,
		index:     deps.Scorer.Index(),
		pipeline:  deps.Pipeline,
		assembler: composer.NewAssembler(deps.Memory, retriever, cfg.Assembly),
		generator: deps.Generator,
		metrics:   deps.Metrics,
		chatList:  deps.ChatModels,
		embedList: deps.EmbedModels,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

func (s *Service) Memory() *memory.Manager { return s.memory }

// StartOrResumeSession loads id, creating it if needed. An empty id starts
// a new session under a generated id.
func (s *Service) StartOrResumeSession(ctx context.Context, id string) (session.Summary, error) {
	sess, err := s.memory.StartOrResume(ctx, id)
	if err != nil {
		return session.Summary{}, err
	}
	s.metrics.SessionEvent("start")
	return sess.Summarize(), nil
}

// SendMessage records text as a user turn, assembles context from the
// history before it plus retrieved chunks, generates the reply and records
// it as an assistant turn. If assembly or generation fails the user turn
// stays stored and no assistant turn is written.
func (s *Service) SendMessage(ctx context.Context, id, text string) (string, error) {
	if err := session.ValidateTurn(session.RoleUser, text); err != nil {
		return "", err
	}
	id, err := s.memory.Resolve(id)
	if err != nil {
		return "", err
	}

	sess, err := s.memory.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := s.memory.Append(ctx, id, session.RoleUser, text); err != nil {
		return "", fmt.Errorf("recording user turn: %w", err)
	}
	s.metrics.Turn(string(session.RoleUser))

	payload, err := s.assemble(ctx, sess, text)
	if err != nil {
		s.metrics.ProviderError(err)
		return "", err
	}

	start := time.Now()
	reply, err := s.generator.Generate(ctx, payload)
	s.metrics.ObserveGeneration(time.Since(start))
	if err != nil {
		s.metrics.ProviderError(err)
		s.logger.Warn("generation failed", "session_id", id, "error", err)
		return "", fmt.Errorf("generating reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		err := apperr.Unavailable(apperr.ServiceGeneration, errors.New("empty reply"))
		s.metrics.ProviderError(err)
		return "", err
	}

	if _, err := s.memory.Append(ctx, id, session.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("recording assistant turn: %w", err)
	}
	s.metrics.Turn(string(session.RoleAssistant))
	return reply, nil
}

// Preview assembles the payload SendMessage would hand to the generator,
// without storing or generating anything.
func (s *Service) Preview(ctx context.Context, id, text string) (composer.Payload, error) {
	if err := session.ValidateTurn(session.RoleUser, text); err != nil {
		return composer.Payload{}, err
	}
	id, err := s.memory.Resolve(id)
	if err != nil {
		return composer.Payload{}, err
	}
	sess, err := s.memory.Load(ctx, id)
	if err != nil {
		return composer.Payload{}, err
	}
	return s.assemble(ctx, sess, text)
}

func (s *Service) assemble(ctx context.Context, sess session.Session, text string) (composer.Payload, error) {
	persona := session.Deref(sess.Persona)
	if persona == "" {
		persona = s.cfg.UserPersona
	}
	p, err := s.assembler.Assemble(ctx, sess, text, persona)
	if err != nil {
		return composer.Payload{}, err
	}
	if p.DisplayName == "" {
		p.DisplayName = s.cfg.UserName
	}
	return p, nil
}

// ImportDocument chunks, embeds and indexes rawText under documentID,
// replacing any previous content of that document. On partial failure the
// returned count is what was committed and the error is an
// *ingest.IngestionError.
func (s *Service) ImportDocument(ctx context.Context, documentID, rawText string) (int, error) {
	n, err := s.pipeline.Ingest(ctx, documentID, rawText)
	s.observeIngest(n, err)
	return n, err
}

// ImportFile extracts text from a text, HTML or PDF file and imports it.
// An empty documentID defaults to the file name.
func (s *Service) ImportFile(ctx context.Context, documentID, path string) (string, int, error) {
	id, n, err := s.pipeline.IngestFile(ctx, documentID, path)
	s.observeIngest(n, err)
	return id, n, err
}

func (s *Service) observeIngest(n int, err error) {
	if err != nil && errors.Is(err, apperr.ErrValidation) {
		return
	}
	s.metrics.ObserveIngest(n, err)
	s.metrics.ProviderError(err)
}

// ClearSession empties a session's history. Clearing twice is harmless.
func (s *Service) ClearSession(ctx context.Context, id string) error {
	id, err := s.memory.Resolve(id)
	if err != nil {
		return err
	}
	if err := s.memory.Clear(ctx, id); err != nil {
		return err
	}
	s.metrics.SessionEvent("clear")
	return nil
}

// SessionStats reports the session's size and activity together with the
// document index totals.
func (s *Service) SessionStats(ctx context.Context, id string) (Stats, error) {
	id, err := s.memory.Resolve(id)
	if err != nil {
		return Stats{}, err
	}
	sess, err := s.memory.Load(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	docs, err := s.index.CountDocuments(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting documents: %w", err)
	}
	chunks, err := s.index.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting chunks: %w", err)
	}
	return Stats{
		SessionID:  sess.ID,
		State:      sess.State,
		TurnCount:  len(sess.Turns),
		CreatedAt:  sess.CreatedAt,
		LastActive: sess.UpdatedAt,
		Documents:  docs,
		Chunks:     chunks,
	}, nil
}

// History returns a session with its full stored turn log.
func (s *Service) History(ctx context.Context, id string) (session.Session, error) {
	id, err := s.memory.Resolve(id)
	if err != nil {
		return session.Session{}, err
	}
	return s.memory.Load(ctx, id)
}

// ListSessions returns all sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return s.memory.List(ctx)
}

func (s *Service) NewSession(ctx context.Context, id string, opts session.CreateOptions) (session.Summary, error) {
	sess, err := s.memory.New(ctx, id, opts)
	if err != nil {
		return session.Summary{}, err
	}
	s.metrics.SessionEvent("create")
	return sess.Summarize(), nil
}

func (s *Service) SwitchSession(ctx context.Context, id string) (session.Summary, error) {
	sess, err := s.memory.Switch(ctx, id)
	if err != nil {
		return session.Summary{}, err
	}
	return sess.Summarize(), nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.memory.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.SessionEvent("delete")
	return nil
}

// DeleteAllSessions removes every session and returns how many were
// deleted.
func (s *Service) DeleteAllSessions(ctx context.Context) (int, error) {
	n, err := s.memory.DeleteAll(ctx)
	if n > 0 {
		s.metrics.SessionEvent("delete_all")
	}
	return n, err
}

func (s *Service) RenameSession(ctx context.Context, oldID, newID string) error {
	if err := s.memory.Rename(ctx, oldID, newID); err != nil {
		return err
	}
	s.metrics.SessionEvent("rename")
	return nil
}

// SetPersona updates a session's display name and persona. A nil argument
// leaves that field unchanged; an empty string clears it.
func (s *Service) SetPersona(ctx context.Context, id string, displayName, persona *string) error {
	id, err := s.memory.Resolve(id)
	if err != nil {
		return err
	}
	return s.memory.Update(ctx, id, session.MetadataUpdate{DisplayName: displayName, Persona: persona})
}

// Recall runs retrieval on its own, as a turn would, without touching any
// session. topK <= 0 uses the configured default.
func (s *Service) Recall(ctx context.Context, query string, topK int) ([]retrieval.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("query is empty")
	}
	cfg := s.assembler.Config()
	if topK <= 0 {
		topK = cfg.TopK
	}
	if topK > retrieval.MaxTopK {
		return nil, apperr.Validation("top_k %d exceeds the maximum of %d", topK, retrieval.MaxTopK)
	}
	start := time.Now()
	results, err := s.scorer.Retrieve(ctx, query, topK, cfg.SimilarityFloor)
	if err != nil {
		s.metrics.ProviderError(err)
		return nil, err
	}
	s.metrics.ObserveRetrieval(len(results), time.Since(start))
	return results, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]retrieval.DocumentInfo, error) {
	return s.index.ListDocuments(ctx)
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.index.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// ClearIndex removes every document and forgets the embedding dimension.
func (s *Service) ClearIndex(ctx context.Context) error {
	if err := s.index.Clear(ctx); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	s.logger.Info("document index cleared")
	return nil
}

// ExportDocuments dumps every indexed document and its chunk text.
func (s *Service) ExportDocuments(ctx context.Context) (DocumentExport, error) {
	docs, err := s.index.ListDocuments(ctx)
	if err != nil {
		return DocumentExport{}, fmt.Errorf("listing documents: %w", err)
	}
	chunks, err := s.index.Chunks(ctx)
	if err != nil {
		return DocumentExport{}, fmt.Errorf("exporting chunks: %w", err)
	}
	return DocumentExport{
		ExportedAt: time.Now().UTC(),
		Count:      len(chunks),
		Documents:  docs,
		Chunks:     chunks,
	}, nil
}

// Models reports the configured models and lists what the providers
// offer. kind is "chat", "embedding", or empty/"all" for both.
func (s *Service) Models(ctx context.Context, kind string) (ModelCatalog, error) {
	cat := ModelCatalog{Provider: s.cfg.Provider, ChatModel: s.cfg.ChatModel, EmbedModel: s.cfg.EmbedModel}
	var wantChat, wantEmbed bool
	switch kind {
	case "", "all":
		wantChat, wantEmbed = true, true
	case "chat":
		wantChat = true
	case "embedding":
		wantEmbed = true
	default:
		return ModelCatalog{}, apperr.Validation("unknown model type %q (want chat or embedding)", kind)
	}

	var err error
	if wantChat {
		if cat.Chat, err = listModels(ctx, s.chatList, apperr.ServiceGeneration); err != nil {
			return ModelCatalog{}, err
		}
	}
	if wantEmbed {
		if cat.Embedding, err = listModels(ctx, s.embedList, apperr.ServiceEmbedding); err != nil {
			return ModelCatalog{}, err
		}
	}
	return cat, nil
}

func listModels(ctx context.Context, l generation.ModelLister, service string) ([]string, error) {
	if l == nil {
		return []string{}, nil
	}
	names, err := l.ListModels(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if apperr.IsUpstream(err) {
			return nil, err
		}
		return nil, apperr.Unavailable(service, fmt.Errorf("listing models: %w", err))
	}
	sort.Strings(names)
	return names, nil
}

// timedRetriever records retrieval metrics for the assembler's lookups.
type timedRetriever struct {
	next    composer.Retriever
	metrics *observability.Metrics
}

func (t *timedRetriever) Retrieve(ctx context.Context, query string, topK int, floor float32) ([]retrieval.Result, error) {
	start := time.Now()
	results, err := t.next.Retrieve(ctx, query, topK, floor)
	if err == nil {
		t.metrics.ObserveRetrieval(len(results), time.Since(start))
	}
	return results, err
}
