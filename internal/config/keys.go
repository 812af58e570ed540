package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PIXELLA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "PIXELLA_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "PIXELLA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PIXELLA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.session_backend", typ: kString, env: "PIXELLA_STORAGE_SESSION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.SessionBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SessionBackend },
	},
	{
		key: "storage.vector_backend", typ: kString, env: "PIXELLA_STORAGE_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VectorBackend },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "PIXELLA_STORAGE_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PIXELLA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "PIXELLA_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "PIXELLA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "generation.provider", typ: kString, env: "PIXELLA_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.model", typ: kString, env: "PIXELLA_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "PIXELLA_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "PIXELLA_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.min_interval", typ: kDuration, env: "PIXELLA_GENERATION_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Generation.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.MinInterval },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "PIXELLA_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "PIXELLA_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "PIXELLA_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "embedding.cache_size", typ: kInt, env: "PIXELLA_EMBEDDING_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheSize },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "PIXELLA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.similarity_floor", typ: kFloat, env: "PIXELLA_RETRIEVAL_SIMILARITY_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SimilarityFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SimilarityFloor },
	},
	{
		key: "memory.history_window_turns", typ: kInt, env: "PIXELLA_MEMORY_HISTORY_WINDOW_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Memory.HistoryWindowTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.HistoryWindowTurns },
	},
	{
		key: "memory.history_char_budget", typ: kInt, env: "PIXELLA_MEMORY_HISTORY_CHAR_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Memory.HistoryCharBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.HistoryCharBudget },
	},
	{
		key: "assembly.max_context_chars", typ: kInt, env: "PIXELLA_ASSEMBLY_MAX_CONTEXT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Assembly.MaxContextChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembly.MaxContextChars },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "PIXELLA_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "PIXELLA_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "PIXELLA_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "PIXELLA_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_delay", typ: kDuration, env: "PIXELLA_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "user.name", typ: kString, env: "PIXELLA_USER_NAME",
		apply:   func(cfg *Config, v any) { cfg.User.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.User.Name },
	},
	{
		key: "user.persona", typ: kString, env: "PIXELLA_USER_PERSONA",
		apply:   func(cfg *Config, v any) { cfg.User.Persona = v.(string) },
		extract: func(cfg Config) any { return cfg.User.Persona },
	},
}

// parseValue converts a raw string for the key's type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported type for %s", s.key)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			return fmt.Errorf("config key %s=%q: %w", s.key, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
