package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/multihop/internal/fingerprint"
	"github.com/starford/multihop/internal/models"
)

// Listing orders.
const (
	SortInserted = "inserted"
	SortUploaded = "uploaded"
)

// RemoveDocument marks the document removed, drops its chunks from the
// index and deletes its file from the documents directory. An unknown or
// already removed fingerprint yields apperr.ErrNotFound.
func (p *Pipeline) RemoveDocument(_ context.Context, fp string) error {
	p.mu.Lock()
	doc, err := p.store.FindActive(fp)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	ids, err := p.store.MarkRemoved(fp)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: remove: %w", err)
	}
	removed, err := p.index.RemoveByDoc(fp)
	if err != nil {
		p.rebuildRequired.Store(true)
		p.mu.Unlock()
		return fmt.Errorf("pipeline: remove from index: %w", err)
	}
	p.refreshGauges()
	p.mu.Unlock()

	if removed != len(ids) {
		p.logger.Warn("pipeline: index held a different chunk count than the store",
			slog.String("fingerprint", fingerprint.Short(fp)),
			slog.Int("store", len(ids)),
			slog.Int("index", removed))
	}

	p.pendMu.Lock()
	delete(p.pending, fp)
	p.pendMu.Unlock()

	if p.files != nil {
		paths, err := p.files.Find(fp)
		if err != nil {
			p.logger.Warn("pipeline: find removed file", slog.String("error", err.Error()))
		}
		for _, path := range paths {
			if err := p.files.Delete(path); err != nil {
				p.logger.Warn("pipeline: delete removed file", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
	}

	doc.Status = models.StatusRemoved
	p.logger.Info("pipeline: removed",
		slog.String("fingerprint", fingerprint.Short(fp)),
		slog.String("name", doc.Name),
		slog.Int("chunks", removed))
	p.notify(EventDocumentRemoved, *doc)
	return nil
}

// ListDocuments returns active documents in insertion order, or newest
// upload first with SortUploaded.
func (p *Pipeline) ListDocuments(order string) ([]models.Document, error) {
	switch order {
	case "", SortInserted, SortUploaded:
	default:
		return nil, fmt.Errorf("pipeline: unknown sort %q", order)
	}
	p.mu.RLock()
	docs, err := p.store.ListActive()
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []models.Document{}
	}
	if order == SortUploaded {
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		})
	}
	return docs, nil
}

// Document returns the active document with fingerprint fp.
func (p *Pipeline) Document(fp string) (*models.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.FindActive(fp)
}
