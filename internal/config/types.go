package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/rivald/internal/logging"
)

// Config is the process-wide configuration. It is resolved once at startup
// and immutable afterward.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Source      SourceConfig      `koanf:"source"`
	Staging     StagingConfig     `koanf:"staging"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Search      SearchConfig      `koanf:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SourceConfig identifies the competitor-record feed.
type SourceConfig struct {
	// Path is the JSONL feed file, one raw record per line.
	Path string `koanf:"path"`
}

// StagingConfig holds relational staging store settings.
type StagingConfig struct {
	// Path is the SQLite database file. Empty means in-memory (tests, dev).
	Path string `koanf:"path"`
}

// VectorStoreConfig selects and configures the vector index backend.
type VectorStoreConfig struct {
	// Provider is "qdrant" or "chromem".
	Provider string `koanf:"provider"`

	// Collection is the vector collection name shared by build and search.
	Collection string `koanf:"collection"`

	Qdrant  QdrantConfig  `koanf:"qdrant"`
	Chromem ChromemConfig `koanf:"chromem"`
}

// QdrantConfig holds Qdrant gRPC client settings.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
}

// ChromemConfig holds embedded chromem-go settings.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbeddingsConfig identifies the external embedding capability.
type EmbeddingsConfig struct {
	// Provider is "tei" or "openai".
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`

	// Dimension is the declared output dimension of the model. The index
	// builder and search service fail fast on any mismatch.
	Dimension int `koanf:"dimension"`
}

// PipelineConfig controls the build pipeline.
type PipelineConfig struct {
	// BatchSize bounds each pull from the record source.
	BatchSize int `koanf:"batch_size"`

	// ChunkSize bounds each embedding request.
	ChunkSize int `koanf:"chunk_size"`

	// MaxRetries bounds retries of a failed embedding chunk or upsert.
	MaxRetries int `koanf:"max_retries"`

	// RetryInterval is the initial backoff, doubling per attempt.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// ForceRebuildDefault applies when a build request does not specify
	// force_rebuild. When true, entries absent from the new snapshot are
	// deleted from the vector index in a final reconciliation pass.
	ForceRebuildDefault bool `koanf:"force_rebuild_default"`
}

// SearchConfig controls the search service.
type SearchConfig struct {
	// MaxTopK caps the per-request result count.
	MaxTopK int `koanf:"max_top_k"`

	// MetadataFields lists additional metadata keys accepted in filters,
	// on top of the canonical columns.
	MetadataFields []string `koanf:"metadata_fields"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.VectorStore.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("vectorstore.provider must be 'qdrant' or 'chromem', got %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Collection == "" {
		return fmt.Errorf("vectorstore.collection required")
	}
	switch c.Embeddings.Provider {
	case "tei", "openai":
	default:
		return fmt.Errorf("embeddings.provider must be 'tei' or 'openai', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive, got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0, got %d", c.Pipeline.MaxRetries)
	}
	if c.Search.MaxTopK <= 0 {
		return fmt.Errorf("search.max_top_k must be positive, got %d", c.Search.MaxTopK)
	}
	return nil
}
