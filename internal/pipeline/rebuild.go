package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/metrics"
)

// Rebuild stages.
const (
	StageEmbedding  = "embedding"
	StagePersisting = "persisting"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// RebuildEvent reports rebuild progress. The last event on a stream is
// terminal: StageCompleted with a nil Err, or StageFailed with the reason.
type RebuildEvent struct {
	Stage string `json:"stage"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Err   error  `json:"-"`
}

// Terminal reports whether e ends a rebuild stream.
func (e RebuildEvent) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageFailed
}

// RebuildIndex runs Rebuild in the background and streams its progress.
// Progress events are dropped when the reader falls behind; the terminal
// event is always delivered before the channel closes.
func (p *Pipeline) RebuildIndex(ctx context.Context) <-chan RebuildEvent {
	events := make(chan RebuildEvent, 64)
	go func() {
		defer close(events)
		err := p.Rebuild(ctx, func(ev RebuildEvent) {
			// Only this goroutine sends; the last slot is kept for the
			// terminal event.
			if len(events) < cap(events)-1 {
				events <- ev
			}
		})
		if err != nil {
			events <- RebuildEvent{Stage: StageFailed, Err: err}
			return
		}
		events <- RebuildEvent{Stage: StageCompleted}
	}()
	return events
}

// Rebuild re-embeds every chunk of every active document and replaces the
// index with the result. It holds the write lock throughout, so queries
// wait rather than observe a partial index. The previous index stays in
// place if anything fails.
func (p *Pipeline) Rebuild(ctx context.Context, progress func(RebuildEvent)) error {
	if progress == nil {
		progress = func(RebuildEvent) {}
	}
	p.rebuilding.Store(true)
	defer p.rebuilding.Store(false)
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	chunks, err := p.store.ActiveChunks()
	if err != nil {
		return fmt.Errorf("pipeline: rebuild: %w", err)
	}
	total := len(chunks)
	progress(RebuildEvent{Stage: StageEmbedding, Total: total})

	entries := make([]index.Entry, 0, total)
	for lo := 0; lo < total; lo += p.cfg.EmbedBatch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline: rebuild interrupted: %w", err)
		}
		hi := min(lo+p.cfg.EmbedBatch, total)
		texts := make([]string, hi-lo)
		for i, c := range chunks[lo:hi] {
			texts[i] = c.Text
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("pipeline: rebuild embed: %w", err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("pipeline: rebuild embed: got %d vectors for %d chunks: %w", len(vecs), len(texts), apperr.ErrEmbeddingUnavailable)
		}
		for i, c := range chunks[lo:hi] {
			entries = append(entries, index.Entry{ChunkID: c.ID, DocID: c.DocumentID, Vector: vecs[i]})
		}
		progress(RebuildEvent{Stage: StageEmbedding, Done: hi, Total: total})
	}

	err = p.index.Rebuild(ctx, entries, func(done, total int) {
		progress(RebuildEvent{Stage: StagePersisting, Done: done, Total: total})
	})
	if err != nil {
		return fmt.Errorf("pipeline: rebuild: %w", err)
	}

	p.rebuildRequired.Store(false)
	metrics.RebuildDuration.Observe(time.Since(start).Seconds())
	metrics.IndexEntries.Set(float64(p.index.Len()))
	p.logger.Info("pipeline: index rebuilt",
		slog.Int("chunks", total),
		slog.Duration("took", time.Since(start)))
	return nil
}
