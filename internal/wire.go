package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/parser"
	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/storage"
)

// components is the wired pipeline and the resources it owns.
type components struct {
	pipeline *pipeline.Pipeline
	files    *storage.FS
	store    *docstore.Store
	index    *index.Index
}

func (c *components) Close() {
	if err := c.index.Close(); err != nil {
		slog.Error("close index", slog.String("error", err.Error()))
	}
	if err := c.store.Close(); err != nil {
		slog.Error("close document store", slog.String("error", err.Error()))
	}
}

// build opens storage and wires the pipeline. An index that had to be
// discarded is served empty and flagged for rebuild.
func build(cfg *Config, logger *slog.Logger, notify pipeline.Notifier) (*components, error) {
	for _, dir := range []string{
		cfg.Storage.DocumentsPath,
		filepath.Dir(cfg.Storage.MetadataPath),
		filepath.Dir(cfg.Storage.IndexPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	extractor, err := parser.NewExtractor(cfg.Ingest.SupportedTypes, parser.WithPDFToText(cfg.Ingest.PDFToTextPath))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}
	files, err := storage.NewFS(cfg.Storage.DocumentsPath, extractor.Supported)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	embedder, err := embedding.New(cfg.Embedding.Embedder())
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	store, err := docstore.Open(cfg.Storage.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("init document store: %w", err)
	}
	idx, idxErr := index.Open(cfg.Storage.IndexPath, embedder.Model(), embedder.Dimensions(), logger)
	if idxErr != nil && (idx == nil || !errors.Is(idxErr, apperr.ErrRebuildRequired)) {
		_ = store.Close()
		return nil, fmt.Errorf("init index: %w", idxErr)
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if notify != nil {
		opts = append(opts, pipeline.WithNotifier(notify))
	}
	p, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Index:     idx,
		Embedder:  embedder,
		Extractor: extractor,
		Files:     files,
	}, cfg.Pipeline(), opts...)
	if err != nil {
		_ = idx.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	if idxErr != nil {
		p.MarkRebuildRequired()
		logger.Warn("index discarded, rebuild required", slog.String("error", idxErr.Error()))
	}

	return &components{pipeline: p, files: files, store: store, index: idx}, nil
}
