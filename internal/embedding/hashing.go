package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/lexicon"
)

// DefaultDimensions is the vector width of the local embedder.
const DefaultDimensions = 384

const hashingModel = "feature-hash-v1"

// Hashing is an offline embedder that projects stemmed content words and
// adjacent word pairs into a fixed number of signed buckets, then
// L2-normalises the result. Identical input always yields identical bits.
type Hashing struct {
	dims int
}

// NewHashing returns a local embedder producing dims-wide vectors.
func NewHashing(dims int) (*Hashing, error) {
	if dims == 0 {
		dims = DefaultDimensions
	}
	if dims < 8 {
		return nil, fmt.Errorf("embedding: dimensions must be at least 8, got %d: %w", dims, apperr.ErrInvalidConfig)
	}
	return &Hashing{dims: dims}, nil
}

func (h *Hashing) Dimensions() int { return h.dims }
func (h *Hashing) Model() string   { return fmt.Sprintf("%s-%d", hashingModel, h.dims) }

// Embed implements Embedder.
func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("embedding: %w: %w", apperr.ErrEmbeddingUnavailable, err)
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	acc := make([]float64, h.dims)
	terms := lexicon.Terms(text)
	for i, term := range terms {
		h.add(acc, term, 1)
		if i > 0 {
			h.add(acc, terms[i-1]+" "+term, 0.5)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	vec := make([]float32, h.dims)
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (h *Hashing) add(acc []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := sum % uint64(h.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}
