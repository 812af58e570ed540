// Package app builds the pixella dependency graph from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kalambet/pixella/internal/chat"
	"github.com/kalambet/pixella/internal/composer"
	"github.com/kalambet/pixella/internal/config"
	"github.com/kalambet/pixella/internal/engine"
	"github.com/kalambet/pixella/internal/generation"
	"github.com/kalambet/pixella/internal/ingest"
	"github.com/kalambet/pixella/internal/memory"
	"github.com/kalambet/pixella/internal/observability"
	"github.com/kalambet/pixella/internal/proxy"
	"github.com/kalambet/pixella/internal/reliability"
	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
	"github.com/kalambet/pixella/internal/storage"
)

const metricsNamespace = "pixella"

// Options override parts of the graph. The zero value builds everything
// from configuration.
type Options struct {
	// Engine replaces the detected local inference engine.
	Engine engine.Engine
	// Generator replaces the configured generation provider. It is still
	// wrapped with rate limiting and retries.
	Generator generation.Generator
	// ReadyCheck, when set, verifies the engine and pulls missing models,
	// writing progress to it.
	ReadyCheck io.Writer
}

type App struct {
	Config   config.Config
	Service  *chat.Service
	Engine   engine.Engine
	Sessions session.Store
	Index    retrieval.VectorIndex
	Metrics  *observability.Metrics

	closers []func() error
}

// Build wires stores, the vector index, the embedding and generation
// providers and the chat service. Call Close when done.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: observability.NewMetrics(metricsNamespace)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Engine = opts.Engine
	if a.Engine == nil {
		if a.Engine, err = engine.Open(cfg.Ollama.BaseURL); err != nil {
			return nil, fmt.Errorf("opening inference engine: %w", err)
		}
	}
	if opts.ReadyCheck != nil {
		chatModel := ""
		if cfg.Generation.Provider == config.ProviderOllama && opts.Generator == nil {
			chatModel = ollamaModel(cfg)
		}
		if err := engine.EnsureReady(ctx, a.Engine, chatModel, cfg.Ollama.EmbedModel, opts.ReadyCheck); err != nil {
			return nil, err
		}
	}

	var db *storage.Store
	if cfg.Storage.SessionBackend == config.BackendSQLite || cfg.Storage.VectorBackend == config.BackendSQLite {
		if db, err = storage.Open(cfg.Storage.DataDir); err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.closers = append(a.closers, db.Close)
	}

	if a.Sessions, err = a.openSessions(ctx, cfg, db); err != nil {
		return nil, err
	}
	if a.Index, err = openIndex(cfg, db); err != nil {
		return nil, err
	}

	embedder := retrieval.NewEmbedder(a.Engine, cfg.Ollama.EmbedModel)
	if cfg.Embedding.CacheSize > 0 {
		cache, err := retrieval.NewQueryCache(cfg.Embedding.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating embedding cache: %w", err)
		}
		a.closers = append(a.closers, func() error { cache.Close(); return nil })
		embedder.WithCache(cache)
	}

	gen := opts.Generator
	if gen == nil {
		if gen, err = NewGenerator(cfg, a.Engine); err != nil {
			return nil, err
		}
	}
	chatModels, _ := gen.(generation.ModelLister)
	gen = generation.NewRateLimited(gen, cfg.Generation.MinInterval)
	gen = reliability.NewRetryingGenerator(gen, reliability.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})

	chunker := ingest.NewChunker(
		ingest.WithChunkSize(cfg.Ingest.ChunkSize),
		ingest.WithOverlap(cfg.Ingest.ChunkOverlap),
	)

	a.Service = chat.NewService(chat.Deps{
		Memory: memory.NewManager(a.Sessions, memory.Config{
			WindowTurns: cfg.Memory.HistoryWindowTurns,
			CharBudget:  cfg.Memory.HistoryCharBudget,
		}),
		Scorer:      retrieval.NewScorer(embedder, a.Index),
		Pipeline:    ingest.NewPipeline(chunker, embedder, a.Index),
		Generator:   gen,
		Metrics:     a.Metrics,
		ChatModels:  chatModels,
		EmbedModels: a.Engine,
	}, chat.Config{
		Assembly: composer.Config{
			TopK:            cfg.Retrieval.TopK,
			SimilarityFloor: float32(cfg.Retrieval.SimilarityFloor),
			MaxContextChars: cfg.Assembly.MaxContextChars,
		},
		UserName:    cfg.User.Name,
		UserPersona: cfg.User.Persona,
		Provider:    cfg.Generation.Provider,
		ChatModel:   chatModelName(cfg),
		EmbedModel:  cfg.Ollama.EmbedModel,
	})
	return a, nil
}

func (a *App) openSessions(ctx context.Context, cfg config.Config, db *storage.Store) (session.Store, error) {
	switch cfg.Storage.SessionBackend {
	case config.BackendSQLite:
		return db, nil
	case config.BackendFile:
		fs, err := session.NewFileStore(filepath.Join(cfg.Storage.DataDir, "sessions"))
		if err != nil {
			return nil, fmt.Errorf("opening session directory: %w", err)
		}
		return fs, nil
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendPostgres:
		ps, err := session.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		return ps, nil
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Storage.SessionBackend)
}

func openIndex(cfg config.Config, db *storage.Store) (retrieval.VectorIndex, error) {
	switch cfg.Storage.VectorBackend {
	case config.BackendSQLite:
		return retrieval.NewSQLiteIndex(db.DB(), cfg.Embedding.Dimension), nil
	case config.BackendChromem:
		idx, err := retrieval.NewChromemIndex(filepath.Join(cfg.Storage.DataDir, "chromem"), cfg.Embedding.Dimension)
		if err != nil {
			return nil, fmt.Errorf("opening chromem index: %w", err)
		}
		return idx, nil
	case config.BackendMemory:
		return retrieval.NewMemoryIndex(cfg.Embedding.Dimension), nil
	}
	return nil, fmt.Errorf("unknown vector backend %q", cfg.Storage.VectorBackend)
}

// NewGenerator returns the configured provider without rate limiting or
// retries.
func NewGenerator(cfg config.Config, eng engine.Engine) (generation.Generator, error) {
	opts := generation.Options{
		Model:       cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	}
	switch cfg.Generation.Provider {
	case config.ProviderOllama:
		opts.Model = ollamaModel(cfg)
		return generation.NewOllama(eng, opts), nil
	case config.ProviderOpenRouter:
		return generation.NewOpenRouter(proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), opts), nil
	case config.ProviderAnthropic:
		return generation.NewAnthropic(cfg.Anthropic.APIKey, opts), nil
	}
	return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
}

func chatModelName(cfg config.Config) string {
	if cfg.Generation.Provider == config.ProviderOllama {
		return ollamaModel(cfg)
	}
	return cfg.Generation.Model
}

func ollamaModel(cfg config.Config) string {
	if cfg.Generation.Model != "" {
		return cfg.Generation.Model
	}
	return cfg.Ollama.ChatModel
}

// Close releases stores and caches in reverse order of creation.
func (a *App) Close() error {
	var errs []string
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err.Error())
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
