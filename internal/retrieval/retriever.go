// Package retrieval turns a question into the top-k most similar chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/models"
)

// DefaultTopK is used when a caller passes k <= 0.
const DefaultTopK = 10

// Searcher is the part of the vector index retrieval reads.
type Searcher interface {
	Search(query []float32, k int) ([]index.Match, error)
}

// ChunkSource resolves index matches back to chunk text and metadata.
type ChunkSource interface {
	CountActive() (int, error)
	Chunks(ids []string) (map[string]models.Chunk, error)
	Get(fp string) (*models.Document, error)
}

// Retriever performs similarity search. It takes no locks itself; the
// caller keeps index and store consistent for the duration of Search.
type Retriever struct {
	embedder embedding.Embedder
	index    Searcher
	store    ChunkSource
	topK     int
}

// New creates a Retriever with the default top-k.
func New(e embedding.Embedder, idx Searcher, store ChunkSource, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: e, index: idx, store: store, topK: topK}
}

// TopK returns the configured default result size.
func (r *Retriever) TopK() int { return r.topK }

// Retrieve embeds query and searches for it. It is Embed followed by
// Search.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.Hit, error) {
	vec, err := r.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, vec, k)
}

// Embed turns query into a vector. It reads neither the index nor chunk
// text, so callers may run it without holding the collection lock. An
// empty collection fails fast with apperr.ErrNoDocuments.
func (r *Retriever) Embed(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("retrieval: empty query")
	}
	if err := r.requireDocuments(); err != nil {
		return nil, err
	}
	vec, err := embedding.EmbedOne(ctx, r.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return vec, ctx.Err()
}

// Search returns at most k hits for an embedded query, ordered by
// descending similarity and resolved to chunk and owning document. Index
// entries no active document owns are skipped. It fails with
// apperr.ErrNoDocuments when the collection is empty.
func (r *Retriever) Search(ctx context.Context, vec []float32, k int) ([]models.Hit, error) {
	if k <= 0 {
		k = r.topK
	}
	if err := r.requireDocuments(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches, err := r.index.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	if len(matches) == 0 {
		return []models.Hit{}, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	chunks, err := r.store.Chunks(ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: resolve chunks: %w", err)
	}

	docs := make(map[string]*models.Document)
	hits := make([]models.Hit, 0, len(matches))
	for _, m := range matches {
		c, ok := chunks[m.ChunkID]
		if !ok {
			// Orphaned index entry; the store is authoritative.
			continue
		}
		doc, ok := docs[c.DocumentID]
		if !ok {
			doc, err = r.store.Get(c.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("retrieval: resolve document %s: %w", c.DocumentID, err)
			}
			docs[c.DocumentID] = doc
		}
		hits = append(hits, models.Hit{
			ChunkID:  m.ChunkID,
			Score:    m.Score,
			Chunk:    c,
			Document: *doc,
		})
	}
	return hits, nil
}

func (r *Retriever) requireDocuments() error {
	n, err := r.store.CountActive()
	if err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if n == 0 {
		return apperr.ErrNoDocuments
	}
	return nil
}

// Debug projects hits to the (chunk id, score, document name) view.
func Debug(hits []models.Hit) []models.ScoredChunk {
	out := make([]models.ScoredChunk, len(hits))
	for i, h := range hits {
		out[i] = models.ScoredChunk{ChunkID: h.ChunkID, Score: h.Score, DocName: h.Document.Name}
	}
	return out
}
