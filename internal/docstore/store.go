package docstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/models"
)

// Action is the caller's decision for content that is already active.
type Action string

const (
	// ActionNone writes only when the fingerprint is not active.
	ActionNone    Action = ""
	ActionReplace Action = "replace"
	ActionSkip    Action = "skip"
)

// ParseAction validates a user supplied duplicate resolution.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionReplace, ActionSkip:
		return a, nil
	default:
		return "", fmt.Errorf("docstore: unknown duplicate action %q", s)
	}
}

// Outcome reports what AddOrReplace did.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
)

const docColumns = `fingerprint, name, title, size, uploaded_at, source, status, missing`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (models.Document, error) {
	var d models.Document
	err := row.Scan(&d.Fingerprint, &d.Name, &d.Title, &d.Size, &d.UploadedAt, &d.Source, &d.Status, &d.Missing)
	return d, err
}

// Get returns the document with the given fingerprint in any status.
func (s *Store) Get(fp string) (*models.Document, error) {
	d, err := scanDocument(s.conn.QueryRow(`SELECT `+docColumns+` FROM documents WHERE fingerprint = ?`, fp))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s: %w", fp, err)
	}
	ids, err := s.chunkIDs(fp)
	if err != nil {
		return nil, err
	}
	d.ChunkIDs = ids
	return &d, nil
}

// FindActive is the duplicate-exists check: it returns the active document
// for fp or apperr.ErrNotFound.
func (s *Store) FindActive(fp string) (*models.Document, error) {
	d, err := s.Get(fp)
	if err != nil {
		return nil, err
	}
	if !d.Active() {
		return nil, apperr.ErrNotFound
	}
	return d, nil
}

func (s *Store) chunkIDs(fp string) ([]string, error) {
	rows, err := s.conn.Query(`SELECT id FROM chunks WHERE fingerprint = ? ORDER BY seq`, fp)
	if err != nil {
		return nil, fmt.Errorf("docstore: chunk ids: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddOrReplace records doc with its chunks. When doc.Fingerprint is
// already active the store does nothing unless action says otherwise:
// ActionNone reports OutcomeDuplicate with the existing metadata,
// ActionSkip reports OutcomeSkipped, ActionReplace swaps metadata and
// chunks while keeping the fingerprint and list position.
//
// The store never touches the vector index; removing the old chunks from
// it is the caller's job.
func (s *Store) AddOrReplace(doc models.Document, chunks []models.Chunk, action Action) (Outcome, *models.Document, error) {
	existing, err := s.Get(doc.Fingerprint)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return "", nil, err
	}
	if existing != nil && existing.Active() {
		switch action {
		case ActionNone:
			return OutcomeDuplicate, existing, nil
		case ActionSkip:
			return OutcomeSkipped, existing, nil
		}
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", nil, fmt.Errorf("docstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	doc.Status = models.StatusActive
	doc.Missing = false
	_, err = tx.Exec(`
		INSERT INTO documents (`+docColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents))
		ON CONFLICT(fingerprint) DO UPDATE SET
			name        = excluded.name,
			title       = excluded.title,
			size        = excluded.size,
			uploaded_at = excluded.uploaded_at,
			source      = excluded.source,
			status      = excluded.status,
			missing     = excluded.missing,
			seq         = excluded.seq
	`, doc.Fingerprint, doc.Name, doc.Title, doc.Size, doc.UploadedAt.UTC(), doc.Source, doc.Status, doc.Missing)
	if err != nil {
		return "", nil, fmt.Errorf("docstore: upsert document: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE fingerprint = ?`, doc.Fingerprint); err != nil {
		return "", nil, fmt.Errorf("docstore: clear chunks: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, fingerprint, seq, text, token_count, start_token, end_token, overlap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", nil, fmt.Errorf("docstore: prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	doc.ChunkIDs = make([]string, 0, len(chunks))
	for _, c := range chunks {
		if _, err := stmt.Exec(c.ID, doc.Fingerprint, c.Seq, c.Text, c.TokenCount, c.StartToken, c.EndToken, c.Overlap); err != nil {
			return "", nil, fmt.Errorf("docstore: insert chunk %s: %w", c.ID, err)
		}
		doc.ChunkIDs = append(doc.ChunkIDs, c.ID)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("docstore: commit: %w", err)
	}

	outcome := OutcomeAdded
	if existing != nil && existing.Active() {
		outcome = OutcomeReplaced
	}
	return outcome, &doc, nil
}

// MarkRemoved flags the document removed and drops its chunk rows. It
// returns the chunk IDs the document owned so the caller can cascade the
// removal to the vector index.
func (s *Store) MarkRemoved(fp string) ([]string, error) {
	doc, err := s.FindActive(fp)
	if err != nil {
		return nil, err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("docstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`UPDATE documents SET status = ?, missing = 0 WHERE fingerprint = ?`, models.StatusRemoved, fp); err != nil {
		return nil, fmt.Errorf("docstore: mark removed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE fingerprint = ?`, fp); err != nil {
		return nil, fmt.Errorf("docstore: drop chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("docstore: commit: %w", err)
	}
	return doc.ChunkIDs, nil
}

// ListActive returns active documents in insertion order.
func (s *Store) ListActive() ([]models.Document, error) {
	rows, err := s.conn.Query(`SELECT `+docColumns+` FROM documents WHERE status = ? ORDER BY seq`, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("docstore: list active: %w", err)
	}
	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("docstore: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	owned, err := s.activeChunkIDs()
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].ChunkIDs = owned[docs[i].Fingerprint]
		if docs[i].ChunkIDs == nil {
			docs[i].ChunkIDs = []string{}
		}
	}
	return docs, nil
}

func (s *Store) activeChunkIDs() (map[string][]string, error) {
	rows, err := s.conn.Query(`
		SELECT c.fingerprint, c.id FROM chunks c
		JOIN documents d ON d.fingerprint = c.fingerprint
		WHERE d.status = ?
		ORDER BY d.seq, c.seq
	`, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("docstore: active chunk ids: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var fp, id string
		if err := rows.Scan(&fp, &id); err != nil {
			return nil, err
		}
		out[fp] = append(out[fp], id)
	}
	return out, rows.Err()
}

// CountActive returns the number of active documents.
func (s *Store) CountActive() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT count(*) FROM documents WHERE status = ?`, models.StatusActive).Scan(&n); err != nil {
		return 0, fmt.Errorf("docstore: count active: %w", err)
	}
	return n, nil
}

const chunkColumns = `c.id, c.fingerprint, c.seq, c.text, c.token_count, c.start_token, c.end_token, c.overlap`

func scanChunk(row rowScanner) (models.Chunk, error) {
	var c models.Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Text, &c.TokenCount, &c.StartToken, &c.EndToken, &c.Overlap)
	return c, err
}

// ActiveChunks returns every chunk of every active document, ordered by
// document insertion and then chunk sequence. This is the authoritative
// chunk set for an index rebuild.
func (s *Store) ActiveChunks() ([]models.Chunk, error) {
	rows, err := s.conn.Query(`
		SELECT `+chunkColumns+` FROM chunks c
		JOIN documents d ON d.fingerprint = c.fingerprint
		WHERE d.status = ?
		ORDER BY d.seq, c.seq
	`, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("docstore: active chunks: %w", err)
	}
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Chunks resolves chunk IDs. Unknown IDs are absent from the result.
func (s *Store) Chunks(ids []string) (map[string]models.Chunk, error) {
	out := make(map[string]models.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.conn.Query(`SELECT `+chunkColumns+` FROM chunks c WHERE c.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: scan chunk: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}
