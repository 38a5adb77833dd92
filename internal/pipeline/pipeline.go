// Package pipeline orchestrates ingestion, removal, retrieval, synthesis
// and index maintenance over one document store and one vector index.
//
// The store and the index must always agree: the set of chunk IDs in the
// index equals the union of chunk IDs of active documents. Every mutation
// of either one happens under the write side of a single RWMutex; reads
// that touch both take the read side. Embedding runs outside the lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/chunker"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/metrics"
	"github.com/starford/multihop/internal/models"
	"github.com/starford/multihop/internal/parser"
	"github.com/starford/multihop/internal/retrieval"
	"github.com/starford/multihop/internal/storage"
	"github.com/starford/multihop/internal/synth"
)

// Config holds the tunables read once at startup.
type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	TopK             int
	MaxDocumentBytes int64
	QueryTimeout     time.Duration
	HistorySize      int
	// Concurrency bounds parallel document preparation in IngestBatch.
	Concurrency int
	// EmbedBatch is the number of chunk texts per embedding call during
	// a rebuild; it also sets the progress granularity.
	EmbedBatch int
}

const (
	defaultMaxDocumentBytes = 50 << 20
	defaultHistorySize      = 50
	defaultConcurrency      = 4
	defaultEmbedBatch       = 32
	pendingTTL              = time.Hour
)

// Deps are the components the pipeline drives. Files is optional; without
// it uploads are not mirrored to a documents directory.
type Deps struct {
	Store     *docstore.Store
	Index     index.VectorIndex
	Embedder  embedding.Embedder
	Extractor *parser.Extractor
	Files     storage.Provider
}

// Event kinds passed to the notifier.
const (
	EventDocumentAdded    = "document.added"
	EventDocumentReplaced = "document.replaced"
	EventDocumentRemoved  = "document.removed"
	EventDocumentMissing  = "document.missing"
	EventDuplicatePending = "document.duplicate"
)

// Notifier receives document lifecycle events.
type Notifier func(kind string, doc models.Document)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock replaces time.Now for upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithNotifier registers a document event callback. It is called outside
// the pipeline lock.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notify = n }
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	store     *docstore.Store
	index     index.VectorIndex
	embedder  embedding.Embedder
	extractor *parser.Extractor
	files     storage.Provider
	chunker   *chunker.Chunker
	retriever *retrieval.Retriever
	synth     *synth.Synthesizer

	logger *slog.Logger
	now    func() time.Time
	notify Notifier

	// mu guards the (store, index) pair.
	mu sync.RWMutex

	pendMu  sync.Mutex
	pending map[string]*pendingUpload

	histMu  sync.Mutex
	history []models.QueryRecord
	histPos int

	rebuildRequired atomic.Bool
	rebuilding      atomic.Bool
}

// New wires a pipeline and checks that the index matches the store. An
// invalid chunking configuration fails with apperr.ErrInvalidConfig. An
// index that disagrees with the store does not fail construction; the
// pipeline serves reads and reports that a rebuild is required.
func New(deps Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	if deps.Store == nil || deps.Index == nil || deps.Embedder == nil || deps.Extractor == nil {
		return nil, fmt.Errorf("pipeline: store, index, embedder and extractor are required: %w", apperr.ErrInvalidConfig)
	}
	if deps.Embedder.Dimensions() != deps.Index.Dimensions() {
		return nil, fmt.Errorf("pipeline: embedder has %d dims, index has %d: %w",
			deps.Embedder.Dimensions(), deps.Index.Dimensions(), apperr.ErrInvalidConfig)
	}
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = defaultEmbedBatch
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		index:     deps.Index,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		files:     deps.Files,
		chunker:   ch,
		synth:     synth.New(0),
		logger:    slog.Default(),
		now:       time.Now,
		notify:    func(string, models.Document) {},
		pending:   make(map[string]*pendingUpload),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retriever = retrieval.New(p.embedder, p.index, p.store, cfg.TopK)

	if err := p.CheckIntegrity(); err != nil && !errors.Is(err, apperr.ErrIntegrity) {
		return nil, err
	}
	return p, nil
}

// CheckIntegrity compares the index with the store. On mismatch it marks
// the index as requiring a rebuild and returns an error wrapping
// apperr.ErrIntegrity; reads keep being served.
func (p *Pipeline) CheckIntegrity() error {
	p.mu.RLock()
	orphans, gaps, err := p.diff()
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	p.refreshGauges()
	if len(orphans) == 0 && len(gaps) == 0 {
		return nil
	}
	p.rebuildRequired.Store(true)
	p.logger.Warn("pipeline: index does not match document store, rebuild required",
		slog.Int("orphans", len(orphans)),
		slog.Int("gaps", len(gaps)))
	return fmt.Errorf("pipeline: %d orphaned and %d missing index entries: %w", len(orphans), len(gaps), apperr.ErrIntegrity)
}

// diff returns index chunk IDs no active document owns and owned chunk
// IDs the index lacks. Caller holds mu.
func (p *Pipeline) diff() (orphans, gaps []string, err error) {
	docs, err := p.store.ListActive()
	if err != nil {
		return nil, nil, err
	}
	indexed := p.index.ChunkIDs()
	owned := make(map[string]struct{})
	for _, d := range docs {
		for _, id := range d.ChunkIDs {
			owned[id] = struct{}{}
			if _, ok := indexed[id]; !ok {
				gaps = append(gaps, id)
			}
		}
	}
	for id := range indexed {
		if _, ok := owned[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, gaps, nil
}

// CleanupReport is the result of CleanupOrphans.
type CleanupReport struct {
	Removed int `json:"removed"`
	Gaps    int `json:"gaps"`
}

// CleanupOrphans drops index entries no active document owns. When no
// owned chunk is missing from the index afterwards the rebuild-required
// flag is cleared.
func (p *Pipeline) CleanupOrphans(_ context.Context) (*CleanupReport, error) {
	p.mu.Lock()
	orphans, gaps, err := p.diff()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	removed, err := p.index.RemoveChunks(orphans)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("pipeline: cleanup: %w", err)
	}
	if len(gaps) == 0 {
		p.rebuildRequired.Store(false)
	}
	p.refreshGauges()
	p.logger.Info("pipeline: orphan cleanup",
		slog.Int("removed", removed),
		slog.Int("gaps", len(gaps)))
	return &CleanupReport{Removed: removed, Gaps: len(gaps)}, nil
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Documents         int           `json:"documents"`
	IndexEntries      int           `json:"index_entries"`
	Model             string        `json:"model"`
	Dimensions        int           `json:"dimensions"`
	RebuildRequired   bool          `json:"rebuild_required"`
	Rebuilding        bool          `json:"rebuilding"`
	PendingDuplicates []PendingInfo `json:"pending_duplicates"`
}

// Status reports counts, flags and parked duplicates.
func (p *Pipeline) Status() (*Status, error) {
	p.mu.RLock()
	n, err := p.store.CountActive()
	entries := p.index.Len()
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &Status{
		Documents:         n,
		IndexEntries:      entries,
		Model:             p.embedder.Model(),
		Dimensions:        p.embedder.Dimensions(),
		RebuildRequired:   p.rebuildRequired.Load(),
		Rebuilding:        p.rebuilding.Load(),
		PendingDuplicates: p.Pending(),
	}, nil
}

// Stats summarises the collection.
func (p *Pipeline) Stats() (*models.Stats, error) {
	p.mu.RLock()
	st, err := p.store.Stats()
	st.IndexEntries = p.index.Len()
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	st.RebuildRequired = p.rebuildRequired.Load()
	return &st, nil
}

// RebuildRequired reports whether the index is known to disagree with
// the store.
func (p *Pipeline) RebuildRequired() bool { return p.rebuildRequired.Load() }

// Rebuilding reports whether a rebuild is in progress.
func (p *Pipeline) Rebuilding() bool { return p.rebuilding.Load() }

// MarkRebuildRequired flags the index as untrustworthy, for example when
// it had to be discarded at load time.
func (p *Pipeline) MarkRebuildRequired() { p.rebuildRequired.Store(true) }

func (p *Pipeline) refreshGauges() {
	metrics.IndexEntries.Set(float64(p.index.Len()))
	if n, err := p.store.CountActive(); err == nil {
		metrics.ActiveDocuments.Set(float64(n))
	}
}
