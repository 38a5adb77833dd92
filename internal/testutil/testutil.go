// Package testutil provides shared test helpers for wiring a pipeline over
// temporary directories and databases.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/models"
	"github.com/starford/multihop/internal/parser"
	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/storage"
)

// Dims is the embedding width used by test pipelines.
const Dims = 256

// Logger returns a logger that only reports errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Env is a fully wired pipeline over temporary storage.
type Env struct {
	Pipeline *pipeline.Pipeline
	Store    *docstore.Store
	Index    *index.Index
	Files    *storage.FS
	Dir      string
	DocsDir  string
	Clock    *Clock

	settings settings
}

type settings struct {
	cfg      pipeline.Config
	embedder embedding.Embedder
	types    []string
	notifier pipeline.Notifier
}

// Option adjusts a test pipeline.
type Option func(*settings)

// WithEmbedder replaces the deterministic local embedder.
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *settings) { s.embedder = e }
}

// WithConfig edits the pipeline configuration.
func WithConfig(fn func(*pipeline.Config)) Option {
	return func(s *settings) { fn(&s.cfg) }
}

// WithTypes sets the accepted file types.
func WithTypes(types ...string) Option {
	return func(s *settings) { s.types = types }
}

// WithNotifier registers a document event callback.
func WithNotifier(n pipeline.Notifier) Option {
	return func(s *settings) { s.notifier = n }
}

// TestPipeline wires a pipeline with small chunks, the local embedder and
// a documents directory, all cleaned up with the test.
func TestPipeline(t *testing.T, opts ...Option) *Env {
	t.Helper()
	s := settings{
		cfg: pipeline.Config{
			ChunkSize:    32,
			ChunkOverlap: 8,
			TopK:         10,
			QueryTimeout: 5 * time.Second,
		},
		types: []string{parser.FormatTXT, parser.FormatMD, parser.FormatDOCX, parser.FormatPDF},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.embedder == nil {
		h, err := embedding.NewHashing(Dims)
		if err != nil {
			t.Fatal(err)
		}
		s.embedder = h
	}

	dir := t.TempDir()
	docs := filepath.Join(dir, "documents")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	env := &Env{Dir: dir, DocsDir: docs, Clock: NewClock(), settings: s}
	env.open(t)
	return env
}

func (e *Env) open(t *testing.T) {
	t.Helper()
	store, err := docstore.Open(filepath.Join(e.Dir, "documents.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	idx, err := index.Open(filepath.Join(e.Dir, "index.db"), e.settings.embedder.Model(), e.settings.embedder.Dimensions(), Logger())
	if err != nil && idx == nil {
		store.Close()
		t.Fatalf("index.Open: %v", err)
	}
	extractor, err := parser.NewExtractor(e.settings.types)
	if err != nil {
		t.Fatal(err)
	}
	files, err := storage.NewFS(e.DocsDir, extractor.Supported)
	if err != nil {
		t.Fatal(err)
	}

	popts := []pipeline.Option{pipeline.WithLogger(Logger()), pipeline.WithClock(e.Clock.Now)}
	if e.settings.notifier != nil {
		popts = append(popts, pipeline.WithNotifier(e.settings.notifier))
	}
	p, perr := pipeline.New(pipeline.Deps{
		Store:     store,
		Index:     idx,
		Embedder:  e.settings.embedder,
		Extractor: extractor,
		Files:     files,
	}, e.settings.cfg, popts...)
	if perr != nil {
		idx.Close()
		store.Close()
		t.Fatalf("pipeline.New: %v", perr)
	}
	if err != nil {
		p.MarkRebuildRequired()
	}
	e.Pipeline, e.Store, e.Index, e.Files = p, store, idx, files
	t.Cleanup(func() {
		idx.Close()
		store.Close()
	})
}

// Reopen closes the databases and wires a fresh pipeline over the same
// files, as a process restart would.
func (e *Env) Reopen(t *testing.T) {
	t.Helper()
	e.Index.Close()
	e.Store.Close()
	e.open(t)
}

// Ingest uploads text under name and fails the test on error.
func (e *Env) Ingest(t *testing.T, name, text string) *pipeline.IngestResult {
	t.Helper()
	res, err := e.Pipeline.Ingest(context.Background(), name, []byte(text), models.SourceUploaded)
	if err != nil {
		t.Fatalf("Ingest %s: %v", name, err)
	}
	return res
}

// UnavailableEmbedder always fails.
type UnavailableEmbedder struct{ Dims int }

func (u UnavailableEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("test: backend down: %w", apperr.ErrEmbeddingUnavailable)
}
func (u UnavailableEmbedder) Dimensions() int { return u.Dims }
func (u UnavailableEmbedder) Model() string   { return fmt.Sprintf("feature-hash-v1-%d", u.Dims) }
