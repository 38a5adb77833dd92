package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/metrics"
	"github.com/starford/multihop/internal/models"
	"github.com/starford/multihop/internal/retrieval"
	"github.com/starford/multihop/internal/synth"
)

// SelfTestQuery is the probe question used by SelfTest.
const SelfTestQuery = "Hello, are you working?"

// Answer is the result of Ask. Retrieved is filled only in debug mode.
type Answer struct {
	Query string `json:"query"`
	synth.Answer
	Retrieved []models.ScoredChunk `json:"retrieved_chunks"`
}

// Ask answers query from the active documents. It fails with
// apperr.ErrNoDocuments on an empty collection and apperr.ErrTimeout
// when the configured query timeout elapses first. Every call is
// recorded in the query history.
func (p *Pipeline) Ask(ctx context.Context, query string, debug bool) (*Answer, error) {
	start := p.now()
	hits, err := p.Retrieve(ctx, query, 0)

	rec := models.QueryRecord{Query: query, AskedAt: start.UTC(), Retrieved: retrieval.Debug(hits)}
	if err != nil {
		rec.Error = err.Error()
		p.record(rec)
		metrics.QueryDuration.WithLabelValues(queryOutcome(err)).Observe(time.Since(start).Seconds())
		return nil, err
	}

	ans := &Answer{Query: query, Answer: *p.synth.Synthesize(query, hits), Retrieved: []models.ScoredChunk{}}
	if debug {
		ans.Retrieved = rec.Retrieved
	}
	rec.Answer = ans.Text
	p.record(rec)
	metrics.QueryDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	p.logger.Info("pipeline: answered",
		slog.Int("retrieved", len(hits)),
		slog.Int("used", len(ans.UsedChunkIDs)),
		slog.Int("superseded", len(ans.Superseded)))
	return ans, nil
}

func queryOutcome(err error) string {
	switch {
	case errors.Is(err, apperr.ErrNoDocuments):
		return "no_documents"
	case errors.Is(err, apperr.ErrTimeout):
		return "timeout"
	case errors.Is(err, apperr.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	default:
		return "error"
	}
}

type retrieveResult struct {
	hits []models.Hit
	err  error
}

// Retrieve returns the top k chunks for query (the configured top-k when
// k <= 0). It observes the query timeout: a caller waiting on a long
// rebuild gets apperr.ErrTimeout instead of blocking.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int) ([]models.Hit, error) {
	if p.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
	}

	done := make(chan retrieveResult, 1)
	go func() {
		// Only the search itself runs under the read lock.
		vec, err := p.retriever.Embed(ctx, query)
		if err != nil {
			done <- retrieveResult{err: err}
			return
		}
		p.mu.RLock()
		defer p.mu.RUnlock()
		if err := ctx.Err(); err != nil {
			done <- retrieveResult{err: err}
			return
		}
		hits, err := p.retriever.Search(ctx, vec, k)
		done <- retrieveResult{hits: hits, err: err}
	}()

	var res retrieveResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("pipeline: query exceeded %s: %w", p.cfg.QueryTimeout, apperr.ErrTimeout)
	}
	return res.hits, res.err
}

func (p *Pipeline) record(rec models.QueryRecord) {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if len(p.history) < p.cfg.HistorySize {
		p.history = append(p.history, rec)
		return
	}
	p.history[p.histPos] = rec
	p.histPos = (p.histPos + 1) % p.cfg.HistorySize
}

// History returns recorded queries, newest first.
func (p *Pipeline) History() []models.QueryRecord {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	n := len(p.history)
	out := make([]models.QueryRecord, 0, n)
	// The oldest record sits at histPos once the ring is full.
	for i := 1; i <= n; i++ {
		out = append(out, p.history[(p.histPos-i+n)%n])
	}
	return out
}

// SelfTestResult reports whether the pipeline answered a probe question.
type SelfTestResult struct {
	OK       bool          `json:"ok"`
	Answer   string        `json:"answer,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SelfTest runs SelfTestQuery end to end. An empty collection counts as
// working: the pipeline answered with the no-documents guidance.
func (p *Pipeline) SelfTest(ctx context.Context) *SelfTestResult {
	start := time.Now()
	ans, err := p.Ask(ctx, SelfTestQuery, false)
	res := &SelfTestResult{Duration: time.Since(start)}
	switch {
	case err == nil:
		res.OK, res.Answer = true, ans.Text
	case errors.Is(err, apperr.ErrNoDocuments):
		res.OK, res.Answer = true, NoDocumentsGuidance
	default:
		res.Error = err.Error()
	}
	return res
}

// NoDocumentsGuidance is shown instead of an answer on an empty collection.
const NoDocumentsGuidance = "No documents are indexed yet. Upload documents or place them in the documents directory, then ask again."
