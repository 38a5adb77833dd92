// Package embedding maps text to dense vectors.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/multihop/internal/apperr"
)

// Providers.
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
)

// Embedder returns one vector per input text, all of Dimensions() length.
// Implementations must be deterministic for identical input and
// configuration, and must fail with apperr.ErrEmbeddingUnavailable rather
// than return a partial result.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Config selects and configures an embedder.
type Config struct {
	Provider    string
	Model       string
	Dimensions  int
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	BatchSize   int
	MaxRetries  int
	Concurrency int
}

// New builds the embedder named by cfg.Provider, instrumented with
// Prometheus metrics.
func New(cfg Config) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case ProviderLocal, "":
		e, err = NewHashing(cfg.Dimensions)
	case ProviderOpenAI:
		e, err = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q: %w", cfg.Provider, apperr.ErrInvalidConfig)
	}
	if err != nil {
		return nil, err
	}
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderLocal
	}
	return Instrument(e, provider), nil
}

// EmbedOne embeds a single text, typically a query.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 vector, got %d: %w", len(vecs), apperr.ErrEmbeddingUnavailable)
	}
	return vecs[0], nil
}
