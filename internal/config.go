package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/parser"
	"github.com/starford/multihop/internal/pipeline"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Chunking  ChunkingConfig    `yaml:"chunking"`
	Retrieval RetrievalConfig   `yaml:"retrieval"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Storage   StorageConfig     `yaml:"storage"`
	Ingest    IngestConfig      `yaml:"ingest"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration. Every failure wraps
// apperr.ErrInvalidConfig.
func (c *Config) Validate() error {
	for _, section := range []validation.Validatable{
		&c.App, &c.Chunking, &c.Retrieval, &c.Embedding, &c.Storage, &c.Ingest, &c.Auth,
	} {
		if err := section.Validate(); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, err)
		}
	}
	return nil
}

// Pipeline returns the pipeline tunables.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		ChunkSize:        c.Chunking.ChunkSize,
		ChunkOverlap:     c.Chunking.ChunkOverlap,
		TopK:             c.Retrieval.SimilarityTopK,
		MaxDocumentBytes: c.Ingest.MaxDocumentBytes,
		QueryTimeout:     c.App.QueryTimeout,
		HistorySize:      c.Retrieval.HistorySize,
		Concurrency:      c.Embedding.Concurrency,
		EmbedBatch:       c.Embedding.BatchSize,
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel     slog.Level    `yaml:"log_level"`
	HTTP         HTTPConfig    `yaml:"http"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.QueryTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ChunkingConfig sets the token window used to split documents.
type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// Validate requires 0 <= overlap < size.
func (c *ChunkingConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(1)),
		validation.Field(&c.ChunkOverlap, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunking: overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// RetrievalConfig holds retrieval configuration.
type RetrievalConfig struct {
	SimilarityTopK int `yaml:"similarity_top_k"`
	HistorySize    int `yaml:"history_size"`
}

// Validate validates the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SimilarityTopK, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.HistorySize, validation.Min(0)),
	)
}

// EmbeddingConfig selects the embedder.
//
// Provider "local" uses the built-in feature-hashing embedder and needs
// no network; "openai" calls an OpenAI-compatible /embeddings endpoint at
// BaseURL (empty means api.openai.com).
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Dimensions  int           `yaml:"dimensions"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	BatchSize   int           `yaml:"batch_size"`
	MaxRetries  int           `yaml:"max_retries"`
	Concurrency int           `yaml:"concurrency"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(embedding.ProviderLocal, embedding.ProviderOpenAI)),
		validation.Field(&c.Model, validation.When(c.Provider == embedding.ProviderOpenAI, validation.Required)),
		validation.Field(&c.Dimensions, validation.Required, validation.Min(8), validation.Max(8192)),
		validation.Field(&c.BaseURL, validation.When(c.BaseURL != "", validation.By(httpURL))),
		validation.Field(&c.BatchSize, validation.Min(1)),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Concurrency, validation.Min(1), validation.Max(64)),
	)
}

// Embedder returns the embedding package configuration.
func (c *EmbeddingConfig) Embedder() embedding.Config {
	return embedding.Config{
		Provider:    c.Provider,
		Model:       c.Model,
		Dimensions:  c.Dimensions,
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Timeout:     c.Timeout,
		BatchSize:   c.BatchSize,
		MaxRetries:  c.MaxRetries,
		Concurrency: c.Concurrency,
	}
}

func httpURL(value any) error {
	s, _ := value.(string)
	if len(s) < 8 || (s[:7] != "http://" && s[:8] != "https://") {
		return errors.New("must be an http or https URL")
	}
	return nil
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	DocumentsPath string `yaml:"documents_path"`
	MetadataPath  string `yaml:"metadata_path"`
	IndexPath     string `yaml:"index_path"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DocumentsPath, validation.Required),
		validation.Field(&c.MetadataPath, validation.Required),
		validation.Field(&c.IndexPath, validation.Required),
	)
}

// IngestConfig holds upload and extraction configuration.
type IngestConfig struct {
	MaxDocumentBytes int64    `yaml:"max_document_bytes"`
	SupportedTypes   []string `yaml:"supported_types"`
	Watch            bool     `yaml:"watch"`
	PDFToTextPath    string   `yaml:"pdftotext_path"`
}

// Validate validates the ingest configuration.
func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxDocumentBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.SupportedTypes, validation.Required,
			validation.Each(validation.In(parser.FormatTXT, parser.FormatMD, parser.FormatDOCX, parser.FormatPDF))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
			QueryTimeout: 30 * time.Second,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    256,
			ChunkOverlap: 64,
		},
		Retrieval: RetrievalConfig{
			SimilarityTopK: 10,
			HistorySize:    50,
		},
		Embedding: EmbeddingConfig{
			Provider:    embedding.ProviderLocal,
			Model:       "feature-hash-v1",
			Dimensions:  384,
			Timeout:     30 * time.Second,
			BatchSize:   32,
			MaxRetries:  3,
			Concurrency: 4,
		},
		Storage: StorageConfig{
			DocumentsPath: "./data/documents",
			MetadataPath:  "./data/documents.db",
			IndexPath:     "./data/index.db",
		},
		Ingest: IngestConfig{
			MaxDocumentBytes: 50 << 20,
			SupportedTypes:   []string{parser.FormatPDF, parser.FormatTXT, parser.FormatDOCX, parser.FormatMD},
			Watch:            true,
			PDFToTextPath:    "pdftotext",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
