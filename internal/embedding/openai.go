package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/starford/multihop/internal/apperr"
)

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

// OpenAI embeds through an OpenAI-compatible /embeddings endpoint. Point
// BaseURL at a local server to keep documents on the machine.
type OpenAI struct {
	client      *openai.Client
	model       openai.EmbeddingModel
	dims        int
	batchSize   int
	maxRetries  int
	concurrency int
	timeout     time.Duration
}

// NewOpenAI creates a remote embedder. Model and Dimensions are required:
// the index records both and refuses vectors of another width.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding: openai model is required: %w", apperr.ErrInvalidConfig)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding: openai dimensions are required: %w", apperr.ErrInvalidConfig)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	e := &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       openai.EmbeddingModel(cfg.Model),
		dims:        cfg.Dimensions,
		batchSize:   cfg.BatchSize,
		maxRetries:  cfg.MaxRetries,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	return e, nil
}

func (e *OpenAI) Dimensions() int { return e.dims }
func (e *OpenAI) Model() string   { return string(e.model) }

// Embed splits texts into batches and sends them concurrently. Any failed
// batch fails the whole call.
func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedBatch(gCtx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OpenAI) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input:          batch,
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embedding: %w: %w", apperr.ErrEmbeddingUnavailable, ctx.Err())
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.client.CreateEmbeddings(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			if !retryable(err) {
				break
			}
			continue
		}
		return e.collect(resp, len(batch))
	}
	return nil, fmt.Errorf("embedding: %s request failed: %w: %w", e.model, apperr.ErrEmbeddingUnavailable, lastErr)
}

func (e *OpenAI) collect(resp openai.EmbeddingResponse, n int) ([][]float32, error) {
	if len(resp.Data) != n {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d: %w", n, len(resp.Data), apperr.ErrEmbeddingUnavailable)
	}
	vecs := make([][]float32, n)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= n {
			return nil, fmt.Errorf("embedding: response index %d out of range: %w", d.Index, apperr.ErrEmbeddingUnavailable)
		}
		if len(d.Embedding) != e.dims {
			return nil, fmt.Errorf("embedding: vector width %d, configured %d: %w", len(d.Embedding), e.dims, apperr.ErrEmbeddingUnavailable)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embedding: missing vector for input %d: %w", i, apperr.ErrEmbeddingUnavailable)
		}
	}
	return vecs, nil
}

// retryable treats transport errors, rate limits and server errors as
// transient. Client errors such as a bad key or unknown model are not.
func retryable(err error) bool {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	return true
}

func retryDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second || d <= 0 {
		return 5 * time.Second
	}
	return d
}
