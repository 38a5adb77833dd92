package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/starford/multihop/internal/apperr"
)

// Entry is one chunk vector and the document it belongs to.
type Entry struct {
	ChunkID string
	DocID   string
	Vector  []float32
}

// Match is a search hit.
type Match struct {
	ChunkID string
	DocID   string
	Score   float64
}

type entry struct {
	Entry
	seq  int64
	norm float64
}

// Index is safe for concurrent use. Callers that must keep the index in
// step with other state hold their own lock around both.
type Index struct {
	mu      sync.RWMutex
	conn    *sql.DB
	path    string
	model   string
	dims    int
	logger  *slog.Logger
	entries []entry // insertion order
	byID    map[string]int
	nextSeq int64
}

// VectorIndex is the behaviour the pipeline relies on.
type VectorIndex interface {
	InsertBatch(entries []Entry) error
	RemoveByDoc(docID string) (int, error)
	RemoveChunks(ids []string) (int, error)
	Search(query []float32, k int) ([]Match, error)
	Rebuild(ctx context.Context, entries []Entry, progress func(done, total int)) error
	ChunkIDs() map[string]struct{}
	Len() int
	Model() string
	Dimensions() int
	Close() error
}

var _ VectorIndex = (*Index)(nil)

func (idx *Index) reset(entries []entry) {
	idx.entries = entries
	idx.byID = make(map[string]int, len(entries))
	idx.nextSeq = 1
	for i, e := range entries {
		idx.byID[e.ChunkID] = i
		if e.seq >= idx.nextSeq {
			idx.nextSeq = e.seq + 1
		}
	}
}

// Model returns the embedding model the stored vectors were built with.
func (idx *Index) Model() string { return idx.model }

// Dimensions returns the vector width.
func (idx *Index) Dimensions() int { return idx.dims }

// Len returns the number of entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// ChunkIDs returns the set of chunk IDs currently indexed.
func (idx *Index) ChunkIDs() map[string]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]struct{}, len(idx.entries))
	for _, e := range idx.entries {
		out[e.ChunkID] = struct{}{}
	}
	return out
}

// Insert adds a single entry.
func (idx *Index) Insert(chunkID string, vec []float32, docID string) error {
	return idx.InsertBatch([]Entry{{ChunkID: chunkID, DocID: docID, Vector: vec}})
}

// InsertBatch adds entries atomically. An existing chunk ID, a repeated
// ID within the batch or a vector of the wrong width rejects the whole
// batch with apperr.ErrIntegrity.
func (idx *Index) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.validate(entries, true); err != nil {
		return err
	}

	tx, err := idx.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO entries (chunk_id, doc_id, seq, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare insert: %w", err)
	}
	defer stmt.Close()

	added := make([]entry, len(entries))
	seq := idx.nextSeq
	for i, e := range entries {
		if _, err := stmt.Exec(e.ChunkID, e.DocID, seq, encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("index: insert %s: %w", e.ChunkID, err)
		}
		added[i] = entry{Entry: e, seq: seq, norm: norm(e.Vector)}
		seq++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit insert: %w", err)
	}

	for _, e := range added {
		idx.byID[e.ChunkID] = len(idx.entries)
		idx.entries = append(idx.entries, e)
	}
	idx.nextSeq = seq
	return nil
}

func (idx *Index) validate(entries []Entry, checkExisting bool) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if len(e.Vector) != idx.dims {
			return fmt.Errorf("index: chunk %s has %d dims, index has %d: %w", e.ChunkID, len(e.Vector), idx.dims, apperr.ErrIntegrity)
		}
		if _, dup := seen[e.ChunkID]; dup {
			return fmt.Errorf("index: chunk %s repeated in batch: %w", e.ChunkID, apperr.ErrIntegrity)
		}
		seen[e.ChunkID] = struct{}{}
		if checkExisting {
			if _, exists := idx.byID[e.ChunkID]; exists {
				return fmt.Errorf("index: chunk %s already indexed: %w", e.ChunkID, apperr.ErrIntegrity)
			}
		}
	}
	return nil
}

// RemoveByDoc deletes every entry that belongs to docID and returns how
// many were removed.
func (idx *Index) RemoveByDoc(docID string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res, err := idx.conn.Exec(`DELETE FROM entries WHERE doc_id = ?`, docID)
	if err != nil {
		return 0, fmt.Errorf("index: remove doc %s: %w", docID, err)
	}
	n, _ := res.RowsAffected()

	kept := idx.entries[:0:0]
	for _, e := range idx.entries {
		if e.DocID != docID {
			kept = append(kept, e)
		}
	}
	removed := len(idx.entries) - len(kept)
	next := idx.nextSeq
	idx.reset(kept)
	idx.nextSeq = max(idx.nextSeq, next)

	if int64(removed) != n {
		idx.logger.Warn("index: memory and disk disagreed on removal",
			slog.String("doc_id", docID),
			slog.Int("memory", removed),
			slog.Int64("disk", n))
	}
	return removed, nil
}

// RemoveChunks deletes the given chunk IDs. Unknown IDs are ignored.
func (idx *Index) RemoveChunks(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	tx, err := idx.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`DELETE FROM entries WHERE chunk_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("index: prepare delete: %w", err)
	}
	defer stmt.Close()
	for id := range drop {
		if _, err := stmt.Exec(id); err != nil {
			return 0, fmt.Errorf("index: remove chunk %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("index: commit remove: %w", err)
	}

	kept := idx.entries[:0:0]
	for _, e := range idx.entries {
		if _, ok := drop[e.ChunkID]; !ok {
			kept = append(kept, e)
		}
	}
	removed := len(idx.entries) - len(kept)
	next := idx.nextSeq
	idx.reset(kept)
	idx.nextSeq = max(idx.nextSeq, next)
	return removed, nil
}

// Search returns up to k entries by descending cosine similarity. Equal
// scores keep insertion order.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	if len(query) != idx.dims {
		return nil, fmt.Errorf("index: query has %d dims, index has %d: %w", len(query), idx.dims, apperr.ErrIntegrity)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	qn := norm(query)
	matches := make([]Match, len(idx.entries))
	for i, e := range idx.entries {
		matches[i] = Match{
			ChunkID: e.ChunkID,
			DocID:   e.DocID,
			Score:   cosine(query, qn, e.Vector, e.norm),
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild replaces the whole index with entries. The new set is written
// in one transaction and swapped into memory only after it commits, so a
// failure or cancellation leaves the previous index untouched.
func (idx *Index) Rebuild(ctx context.Context, entries []Entry, progress func(done, total int)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.validate(entries, false); err != nil {
		return err
	}

	tx, err := idx.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin rebuild: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("index: rebuild clear: %w", err)
	}
	if err := writeMetaTx(tx, idx.model, idx.dims); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (chunk_id, doc_id, seq, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare rebuild insert: %w", err)
	}
	defer stmt.Close()

	fresh := make([]entry, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index: rebuild interrupted: %w", err)
		}
		seq := int64(i + 1)
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.DocID, seq, encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("index: rebuild insert %s: %w", e.ChunkID, err)
		}
		fresh[i] = entry{Entry: e, seq: seq, norm: norm(e.Vector)}
		if progress != nil {
			progress(i+1, len(entries))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit rebuild: %w", err)
	}

	idx.reset(fresh)
	return nil
}
