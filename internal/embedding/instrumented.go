package embedding

import (
	"context"
	"time"

	"github.com/starford/multihop/internal/metrics"
)

// Instrumented records request counts and latency for the wrapped embedder.
type Instrumented struct {
	inner    Embedder
	provider string
}

// Instrument wraps e with Prometheus metrics labelled by provider.
func Instrument(e Embedder, provider string) *Instrumented {
	return &Instrumented{inner: e, provider: provider}
}

func (i *Instrumented) Dimensions() int { return i.inner.Dimensions() }
func (i *Instrumented) Model() string   { return i.inner.Model() }

// Embed implements Embedder.
func (i *Instrumented) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := i.inner.Model()
	start := time.Now()
	vecs, err := i.inner.Embed(ctx, texts)
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(i.provider, model, "error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(i.provider, model, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(i.provider, model).Observe(time.Since(start).Seconds())
	metrics.EmbeddedTextsTotal.WithLabelValues(i.provider, model).Add(float64(len(texts)))
	return vecs, nil
}
