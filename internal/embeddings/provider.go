// Package embeddings provides embedding generation via multiple providers.
//
// The embedding model itself is an external capability: text in, fixed-length
// vector out. Providers wrap either a TEI-compatible HTTP service or any
// OpenAI-compatible embeddings API.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure. Failures of
	// this kind are retryable; the caller applies the retry bound.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, one vector
	// per input text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the declared embedding dimension. Vectors of any
	// other length are a configuration error for the caller.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is the provider type: "tei" or "openai".
	Provider string

	// BaseURL is the embedding service URL.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey authenticates against the service. Optional for TEI and for
	// local OpenAI-compatible services.
	APIKey string

	// Dimension is the declared output dimension of the model.
	Dimension int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "tei", "":
		return NewTEIProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
