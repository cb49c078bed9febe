// Package config provides configuration loading for libraryd.
//
// Configuration is loaded from a YAML file, then overridden with
// environment variables, with hardcoded defaults for everything unset.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete libraryd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Metastore   MetastoreConfig   `koanf:"metastore"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Embed       EmbedConfig       `koanf:"embed"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
}

// MetastoreConfig holds metadata store configuration.
type MetastoreConfig struct {
	// Path is the SQLite database path, or ":memory:" for ephemeral state.
	Path string `koanf:"path"`
}

// VectorStoreConfig holds vector store configuration.
type VectorStoreConfig struct {
	// Provider is chromem, qdrant, or memory.
	Provider string `koanf:"provider"`

	// Path is the chromem persistence directory. Empty keeps vectors
	// in memory only.
	Path string `koanf:"path"`

	// Compress enables gzip compression of persisted chromem records.
	Compress bool `koanf:"compress"`

	QdrantHost    string   `koanf:"qdrant_host"`
	QdrantPort    int      `koanf:"qdrant_port"`
	QdrantUseTLS  bool     `koanf:"qdrant_use_tls"`
	QdrantAPIKey  Secret   `koanf:"qdrant_api_key"`
	QdrantTimeout Duration `koanf:"qdrant_timeout"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// BaseURL is the OpenAI-compatible API base, e.g.
	// "https://api.openai.com/v1".
	BaseURL string `koanf:"base_url"`

	APIKey            Secret   `koanf:"api_key"`
	RequestTimeout    Duration `koanf:"request_timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	ChunkSize    int      `koanf:"chunk_size"`
	ChunkOverlap int      `koanf:"chunk_overlap"`
	FetchTimeout Duration `koanf:"fetch_timeout"`
}

// EmbedConfig holds embedding coordinator configuration.
type EmbedConfig struct {
	Model          string   `koanf:"model"`
	BatchSize      int      `koanf:"batch_size"`
	Concurrency    int      `koanf:"concurrency"`
	BatchTimeout   Duration `koanf:"batch_timeout"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	ClaimTTL       Duration `koanf:"claim_ttl"`
}

// applyDefaults fills unset fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Metastore.Path == "" {
		cfg.Metastore.Path = "libraryd.db"
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.QdrantHost == "" {
		cfg.VectorStore.QdrantHost = "localhost"
	}
	if cfg.VectorStore.QdrantPort == 0 {
		cfg.VectorStore.QdrantPort = 6334
	}
	if cfg.VectorStore.QdrantTimeout == 0 {
		cfg.VectorStore.QdrantTimeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.RequestTimeout == 0 {
		cfg.Embeddings.RequestTimeout = Duration(60 * time.Second)
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 200
	}
	if cfg.Ingest.FetchTimeout == 0 {
		cfg.Ingest.FetchTimeout = Duration(30 * time.Second)
	}
	if cfg.Embed.Model == "" {
		cfg.Embed.Model = "text-embedding-3-small"
	}
	if cfg.Embed.BatchSize == 0 {
		cfg.Embed.BatchSize = 100
	}
	if cfg.Embed.Concurrency == 0 {
		cfg.Embed.Concurrency = 4
	}
	if cfg.Embed.BatchTimeout == 0 {
		cfg.Embed.BatchTimeout = Duration(60 * time.Second)
	}
	if cfg.Embed.MaxAttempts == 0 {
		cfg.Embed.MaxAttempts = 3
	}
	if cfg.Embed.InitialBackoff == 0 {
		cfg.Embed.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Embed.ClaimTTL == 0 {
		cfg.Embed.ClaimTTL = Duration(5 * time.Minute)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.Server.ShutdownTimeout.Duration())
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Log.Format)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant", "memory":
	default:
		return fmt.Errorf("invalid vector store provider: %q (must be chromem, qdrant, or memory)", c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "qdrant" {
		if c.VectorStore.QdrantPort < 1 || c.VectorStore.QdrantPort > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.VectorStore.QdrantPort)
		}
	}

	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings base URL is required")
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d (must be positive)", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("invalid chunk overlap: %d (must be in [0, chunk size))", c.Ingest.ChunkOverlap)
	}
	if c.Embed.BatchSize <= 0 {
		return fmt.Errorf("invalid embed batch size: %d (must be positive)", c.Embed.BatchSize)
	}
	if c.Embed.Concurrency <= 0 {
		return fmt.Errorf("invalid embed concurrency: %d (must be positive)", c.Embed.Concurrency)
	}
	if c.Embed.MaxAttempts <= 0 {
		return fmt.Errorf("invalid embed max attempts: %d (must be positive)", c.Embed.MaxAttempts)
	}
	if c.Embed.ClaimTTL.Duration() <= 0 {
		return fmt.Errorf("invalid claim TTL: %s (must be positive)", c.Embed.ClaimTTL.Duration())
	}

	return nil
}
