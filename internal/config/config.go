package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Proxy      ProxyConfig
	Anthropic  AnthropicConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Memory     MemoryConfig
	Assembly   AssemblyConfig
	Ingest     IngestConfig
	Retry      RetryConfig
	User       UserConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir        string
	SessionBackend string
	VectorBackend  string
	PostgresURL    string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type GenerationConfig struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	MinInterval time.Duration
}

type ProxyConfig struct {
	OpenRouterAPIKey string
}

type AnthropicConfig struct {
	APIKey string
}

type EmbeddingConfig struct {
	Dimension int
	CacheSize int
}

type RetrievalConfig struct {
	TopK            int
	SimilarityFloor float64
}

type MemoryConfig struct {
	HistoryWindowTurns int
	HistoryCharBudget  int
}

type AssemblyConfig struct {
	MaxContextChars int
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type UserConfig struct {
	Name    string
	Persona string
}

// Provider and backend names accepted by Validate.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"

	BackendSQLite   = "sqlite"
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendChromem  = "chromem"
)

// MaxRetrievalTopK bounds retrieval.top_k. It mirrors retrieval.MaxTopK.
const MaxRetrievalTopK = 100

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			SessionBackend: BackendSQLite,
			VectorBackend:  BackendSQLite,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Generation: GenerationConfig{
			Provider:    ProviderOllama,
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Embedding: EmbeddingConfig{
			CacheSize: 1024,
		},
		Retrieval: RetrievalConfig{
			TopK: 4,
		},
		Memory: MemoryConfig{
			HistoryWindowTurns: 20,
			HistoryCharBudget:  8000,
		},
		Assembly: AssemblyConfig{
			MaxContextChars: 12000,
		},
		Ingest: IngestConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
		User: UserConfig{
			Name: "User",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/pixella/config.toml, then applies PIXELLA_* environment
// variables, then validates the result.
func Load() (Config, error) {
	return loadFromPath(ConfigFilePath())
}

func loadFromPath(path string) (Config, error) {
	b, err := newTOMLBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := Defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFilePath is where Load and SetKey read and write the config file.
func ConfigFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pixella", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pixella-data"
		}
	}
	return filepath.Join(dir, "pixella")
}

// Validate rejects settings the application cannot start with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d is out of range", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	switch c.Storage.SessionBackend {
	case BackendSQLite, BackendFile, BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			add("storage.session_backend is postgres but PIXELLA_STORAGE_POSTGRES_URL is not set")
		}
	default:
		add("storage.session_backend %q must be one of sqlite, file, memory, postgres", c.Storage.SessionBackend)
	}
	switch c.Storage.VectorBackend {
	case BackendSQLite, BackendChromem, BackendMemory:
	default:
		add("storage.vector_backend %q must be one of sqlite, chromem, memory", c.Storage.VectorBackend)
	}

	switch c.Generation.Provider {
	case ProviderOllama:
	case ProviderOpenRouter:
		if c.Proxy.OpenRouterAPIKey == "" {
			add("generation.provider is openrouter but PIXELLA_OPENROUTER_API_KEY is not set")
		}
		if c.Generation.Model == "" {
			add("generation.model is required for the openrouter provider")
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			add("generation.provider is anthropic but PIXELLA_ANTHROPIC_API_KEY is not set")
		}
	default:
		add("generation.provider %q must be one of ollama, openrouter, anthropic", c.Generation.Provider)
	}
	if c.Generation.MinInterval < 0 {
		add("generation.min_interval must not be negative")
	}

	if c.Embedding.Dimension < 0 {
		add("embedding.dimension must not be negative")
	}
	if c.Retrieval.TopK < 0 || c.Retrieval.TopK > MaxRetrievalTopK {
		add("retrieval.top_k %d must be within [0, %d]", c.Retrieval.TopK, MaxRetrievalTopK)
	}
	if c.Retrieval.SimilarityFloor < -1 || c.Retrieval.SimilarityFloor > 1 {
		add("retrieval.similarity_floor %v must be within [-1, 1]", c.Retrieval.SimilarityFloor)
	}
	if c.Memory.HistoryWindowTurns <= 0 {
		add("memory.history_window_turns must be positive")
	}
	if c.Assembly.MaxContextChars <= 0 {
		add("assembly.max_context_chars must be positive")
	}
	if c.Ingest.ChunkSize <= 0 {
		add("ingest.chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		add("ingest.chunk_overlap %d must be in [0, chunk_size)", c.Ingest.ChunkOverlap)
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry delays must satisfy 0 < base_delay <= max_delay")
	}

	if len(problems) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, p := range problems {
		msg += "\n  - " + p
	}
	return fmt.Errorf("%s", msg)
}
