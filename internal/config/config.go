package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
	// DefaultOwner is the owner id used by the CLI and MCP surfaces, which
	// run on behalf of the single local user. The HTTP API requires an
	// explicit owner id on every request.
	DefaultOwner string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	// EmbeddingDims is the fixed dimensionality of the vector index.
	// Vectors of any other size are rejected.
	EmbeddingDims int

	// CostPerMTokensUSD prices embedding calls per million tokens. Zero
	// disables cost accounting (local models are free).
	CostPerMTokensUSD float64

	// QueryCacheSize bounds the query-embedding cache entry count.
	QueryCacheSize int

	// SimilarityThreshold gates automatic relationship inference.
	SimilarityThreshold float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         4600,
			MCPPort:      4601,
			DefaultOwner: "local",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			EmbeddingDims:       768,
			QueryCacheSize:      256,
			SimilarityThreshold: 0.8,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnema"
	}
	return filepath.Join(home, ".mnema")
}

// Load builds the configuration from defaults and MNEMA_* environment
// variable overrides.
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv("MNEMA_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing MNEMA_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("MNEMA_MCP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing MNEMA_MCP_PORT: %w", err)
		}
		cfg.Server.MCPPort = p
	}
	if v := os.Getenv("MNEMA_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("MNEMA_OWNER"); v != "" {
		cfg.Server.DefaultOwner = v
	}
	if v := os.Getenv("MNEMA_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MNEMA_OLLAMA_URL"); v != "" {
		cfg.Ollama.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("MNEMA_CHAT_MODEL"); v != "" {
		cfg.Ollama.ChatModel = v
	}
	if v := os.Getenv("MNEMA_EMBED_MODEL"); v != "" {
		cfg.Ollama.EmbedModel = v
	}
	if v := os.Getenv("MNEMA_EMBEDDING_DIMS"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("MNEMA_EMBEDDING_DIMS must be a positive integer, got %q", v)
		}
		cfg.Retrieval.EmbeddingDims = d
	}
	if v := os.Getenv("MNEMA_EMBED_COST_PER_MTOK"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 {
			return cfg, fmt.Errorf("MNEMA_EMBED_COST_PER_MTOK must be a non-negative number, got %q", v)
		}
		cfg.Retrieval.CostPerMTokensUSD = c
	}

	return cfg, nil
}

// LogLevel returns the configured slog level name ("debug" or "info").
func LogLevel() string {
	if strings.EqualFold(os.Getenv("MNEMA_LOG_LEVEL"), "debug") {
		return "debug"
	}
	return "info"
}
