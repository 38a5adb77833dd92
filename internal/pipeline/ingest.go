package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/fingerprint"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/metrics"
	"github.com/starford/multihop/internal/models"
)

// Outcome of an ingestion or duplicate resolution.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeSkipped   Outcome = "skipped"
)

// IngestResult describes what happened to one document. For
// OutcomeDuplicate, Document is the existing active document and the
// upload is parked until ResolveDuplicate.
type IngestResult struct {
	Outcome     Outcome          `json:"outcome"`
	Fingerprint string           `json:"fingerprint"`
	Document    *models.Document `json:"document"`
}

// Upload is one file of a batch.
type Upload struct {
	Name string
	Data []byte
}

// BatchItem is the per-document outcome of IngestBatch.
type BatchItem struct {
	Name   string        `json:"name"`
	Result *IngestResult `json:"result,omitempty"`
	Err    error         `json:"-"`
}

type pendingUpload struct {
	name       string
	data       []byte
	source     models.Source
	existing   models.Document
	receivedAt time.Time
}

// PendingInfo describes a parked duplicate upload.
type PendingInfo struct {
	Fingerprint string          `json:"fingerprint"`
	Name        string          `json:"name"`
	Existing    models.Document `json:"existing"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// prepared is a document ready to be committed: extracted, chunked and
// embedded.
type prepared struct {
	doc     models.Document
	chunks  []models.Chunk
	entries []index.Entry
}

// Ingest adds one document. Size and file type are checked before any
// other work. Content that is already active is not re-added: the result
// is OutcomeDuplicate with the existing metadata, and an uploaded file
// stays parked until ResolveDuplicate.
func (p *Pipeline) Ingest(ctx context.Context, name string, data []byte, source models.Source) (*IngestResult, error) {
	res, err := p.ingest(ctx, name, data, source)
	outcome := "error"
	if err == nil {
		outcome = string(res.Outcome)
	}
	metrics.IngestTotal.WithLabelValues(string(source), outcome).Inc()
	if err != nil {
		p.logger.Warn("pipeline: ingest failed",
			slog.String("name", name),
			slog.String("source", string(source)),
			slog.String("error", err.Error()))
	}
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, name string, data []byte, source models.Source) (*IngestResult, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("pipeline: unknown source %q", source)
	}
	if err := p.admit(name, data); err != nil {
		return nil, err
	}
	fp := fingerprint.Of(data)

	p.mu.RLock()
	existing, err := p.store.FindActive(fp)
	p.mu.RUnlock()
	switch {
	case err == nil:
		return p.duplicate(name, data, source, existing), nil
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	prep, err := p.prepare(ctx, name, data, source)
	if err != nil {
		return nil, err
	}
	outcome, doc, err := p.commit(prep, docstore.ActionNone)
	if err != nil {
		return nil, err
	}
	if outcome == docstore.OutcomeDuplicate {
		// Lost a race with an identical upload.
		return p.duplicate(name, data, source, doc), nil
	}

	p.mirror(name, data, source, false)
	p.logger.Info("pipeline: ingested",
		slog.String("fingerprint", fingerprint.Short(fp)),
		slog.String("name", name),
		slog.String("source", string(source)),
		slog.Int("chunks", len(doc.ChunkIDs)))
	p.notify(EventDocumentAdded, *doc)
	return &IngestResult{Outcome: OutcomeAdded, Fingerprint: fp, Document: doc}, nil
}

// admit rejects oversize and unsupported uploads before any work.
func (p *Pipeline) admit(name string, data []byte) error {
	if int64(len(data)) > p.cfg.MaxDocumentBytes {
		return fmt.Errorf("pipeline: %s is %d bytes, limit %d: %w", name, len(data), p.cfg.MaxDocumentBytes, apperr.ErrDocumentTooLarge)
	}
	return p.extractor.Check(name)
}

func (p *Pipeline) duplicate(name string, data []byte, source models.Source, existing *models.Document) *IngestResult {
	fp := existing.Fingerprint
	if source == models.SourceUploaded {
		p.pendMu.Lock()
		p.prunePending()
		p.pending[fp] = &pendingUpload{
			name:       name,
			data:       data,
			source:     source,
			existing:   *existing,
			receivedAt: p.now(),
		}
		p.pendMu.Unlock()
		p.notify(EventDuplicatePending, *existing)
	}
	p.logger.Info("pipeline: duplicate content",
		slog.String("fingerprint", fingerprint.Short(fp)),
		slog.String("name", name),
		slog.String("existing", existing.Name))
	return &IngestResult{Outcome: OutcomeDuplicate, Fingerprint: fp, Document: existing}
}

// prunePending drops parked uploads older than pendingTTL. Caller holds
// pendMu.
func (p *Pipeline) prunePending() {
	cutoff := p.now().Add(-pendingTTL)
	for fp, u := range p.pending {
		if u.receivedAt.Before(cutoff) {
			delete(p.pending, fp)
		}
	}
}

// Pending lists parked duplicate uploads, oldest first.
func (p *Pipeline) Pending() []PendingInfo {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	p.prunePending()
	out := make([]PendingInfo, 0, len(p.pending))
	for fp, u := range p.pending {
		out = append(out, PendingInfo{Fingerprint: fp, Name: u.name, Existing: u.existing, ReceivedAt: u.receivedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// ResolveDuplicate settles a parked duplicate upload. ActionSkip drops
// the upload and leaves the existing document untouched. ActionReplace
// re-extracts, re-chunks and re-embeds the upload, swaps its chunks into
// the index and updates the metadata while keeping the fingerprint.
func (p *Pipeline) ResolveDuplicate(ctx context.Context, fp string, action docstore.Action) (*IngestResult, error) {
	if action != docstore.ActionReplace && action != docstore.ActionSkip {
		return nil, fmt.Errorf("pipeline: unknown duplicate action %q", action)
	}
	p.pendMu.Lock()
	p.prunePending()
	up, ok := p.pending[fp]
	if ok {
		delete(p.pending, fp)
	}
	p.pendMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: %s: %w", fingerprint.Short(fp), apperr.ErrNoPendingDuplicate)
	}

	if action == docstore.ActionSkip {
		metrics.IngestTotal.WithLabelValues(string(up.source), string(OutcomeSkipped)).Inc()
		existing := up.existing
		return &IngestResult{Outcome: OutcomeSkipped, Fingerprint: fp, Document: &existing}, nil
	}

	prep, err := p.prepare(ctx, up.name, up.data, up.source)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(string(up.source), "error").Inc()
		return nil, err
	}
	outcome, doc, err := p.commit(prep, docstore.ActionReplace)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(string(up.source), "error").Inc()
		return nil, err
	}
	result := OutcomeReplaced
	kind := EventDocumentReplaced
	if outcome == docstore.OutcomeAdded {
		// The original was removed while the upload was parked.
		result, kind = OutcomeAdded, EventDocumentAdded
	}
	metrics.IngestTotal.WithLabelValues(string(up.source), string(result)).Inc()

	p.mirror(up.name, up.data, up.source, true)
	p.logger.Info("pipeline: duplicate resolved",
		slog.String("fingerprint", fingerprint.Short(fp)),
		slog.String("action", string(action)),
		slog.String("outcome", string(result)))
	p.notify(kind, *doc)
	return &IngestResult{Outcome: result, Fingerprint: fp, Document: doc}, nil
}

// prepare extracts, chunks and embeds a document. It takes no lock.
func (p *Pipeline) prepare(ctx context.Context, name string, data []byte, source models.Source) (*prepared, error) {
	fp := fingerprint.Of(data)
	res, err := p.extractor.Extract(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: extract: %w", err)
	}
	pieces := p.chunker.Split(res.Text)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("pipeline: %s: %w", name, apperr.ErrEmptyDocument)
	}

	texts := make([]string, len(pieces))
	chunks := make([]models.Chunk, len(pieces))
	for i, pc := range pieces {
		texts[i] = pc.Text
		chunks[i] = models.Chunk{
			ID:         uuid.NewString(),
			DocumentID: fp,
			Seq:        pc.Seq,
			Text:       pc.Text,
			TokenCount: pc.Tokens,
			StartToken: pc.Start,
			EndToken:   pc.End,
			Overlap:    pc.Overlap,
		}
	}

	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed %s: %w", name, err)
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("pipeline: embedder returned %d vectors for %d chunks: %w", len(vecs), len(chunks), apperr.ErrEmbeddingUnavailable)
	}
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{ChunkID: c.ID, DocID: fp, Vector: vecs[i]}
	}

	return &prepared{
		doc: models.Document{
			Fingerprint: fp,
			Name:        name,
			Title:       res.Title,
			Size:        int64(len(data)),
			UploadedAt:  p.now().UTC(),
			Source:      source,
		},
		chunks:  chunks,
		entries: entries,
	}, nil
}

// commit applies a prepared document to the index and the store under
// the write lock. On replace the old chunks leave the index before the
// new ones enter it. A failure after the index changed marks the index
// as requiring a rebuild.
func (p *Pipeline) commit(prep *prepared, action docstore.Action) (docstore.Outcome, *models.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fp := prep.doc.Fingerprint
	existing, err := p.store.FindActive(fp)
	switch {
	case err == nil && action == docstore.ActionNone:
		return docstore.OutcomeDuplicate, existing, nil
	case err == nil && action == docstore.ActionSkip:
		return docstore.OutcomeSkipped, existing, nil
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return "", nil, err
	}

	touched := false
	if existing != nil {
		if _, err := p.index.RemoveByDoc(fp); err != nil {
			p.rebuildRequired.Store(true)
			return "", nil, fmt.Errorf("pipeline: drop old chunks: %w", err)
		}
		touched = true
	}
	if err := p.index.InsertBatch(prep.entries); err != nil {
		if touched {
			p.rebuildRequired.Store(true)
		}
		return "", nil, fmt.Errorf("pipeline: index chunks: %w", err)
	}
	outcome, doc, err := p.store.AddOrReplace(prep.doc, prep.chunks, action)
	if err != nil {
		if _, rmErr := p.index.RemoveByDoc(fp); rmErr != nil || touched {
			p.rebuildRequired.Store(true)
		}
		return "", nil, fmt.Errorf("pipeline: record document: %w", err)
	}
	metrics.IndexEntries.Set(float64(p.index.Len()))
	if n, err := p.store.CountActive(); err == nil {
		metrics.ActiveDocuments.Set(float64(n))
	}
	return outcome, doc, nil
}

// mirror writes an uploaded file into the documents directory so the
// directory and the collection stay in step. Synced files already live
// there. Failures are logged; the document stays ingested.
func (p *Pipeline) mirror(name string, data []byte, source models.Source, replace bool) {
	if p.files == nil || source != models.SourceUploaded {
		return
	}
	fp := fingerprint.Of(data)
	if replace {
		paths, err := p.files.Find(fp)
		if err != nil {
			p.logger.Warn("pipeline: find replaced file", slog.String("error", err.Error()))
		}
		for _, path := range paths {
			if err := p.files.Delete(path); err != nil {
				p.logger.Warn("pipeline: delete replaced file", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
	}
	if _, err := p.files.Place(name, data); err != nil {
		p.logger.Warn("pipeline: store uploaded file",
			slog.String("name", name),
			slog.String("error", err.Error()))
	}
}

// IngestBatch ingests uploads concurrently and reports one item per
// upload, in input order. A failing document never aborts the batch.
func (p *Pipeline) IngestBatch(ctx context.Context, uploads []Upload, source models.Source) []BatchItem {
	items := make([]BatchItem, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, u := range uploads {
		g.Go(func() error {
			res, err := p.Ingest(gctx, u.Name, u.Data, source)
			items[i] = BatchItem{Name: u.Name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}
