// Package index is the persisted vector index: chunk vectors with a
// backreference to their document, searched by cosine similarity.
//
// Vectors live in memory for search and in SQLite for restarts. Every
// mutation commits to SQLite before the in-memory copy changes.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/multihop/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	chunk_id TEXT PRIMARY KEY,
	doc_id   TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	vector   BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_doc ON entries(doc_id);
CREATE INDEX IF NOT EXISTS idx_entries_seq ON entries(seq);
`

func openDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return conn, nil
}

// Open loads the index stored at path for the given embedding model.
//
// A file that cannot be read, was written by another model or holds
// malformed vectors does not fail the call: Open moves the file aside or
// clears it, returns a usable empty index and an error wrapping
// apperr.ErrRebuildRequired. Any other error means no index is available.
func Open(path, model string, dims int, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{path: path, model: model, dims: dims, logger: logger}

	conn, err := openDB(path)
	if err != nil {
		aside, qErr := quarantine(path)
		if qErr != nil {
			return nil, fmt.Errorf("index: %w (quarantine failed: %v)", err, qErr)
		}
		logger.Warn("index: unreadable file moved aside",
			slog.String("path", path),
			slog.String("moved_to", aside),
			slog.String("error", err.Error()))
		conn, err = openDB(path)
		if err != nil {
			return nil, err
		}
		idx.conn = conn
		if err := idx.writeMeta(); err != nil {
			conn.Close()
			return nil, err
		}
		idx.reset(nil)
		return idx, fmt.Errorf("index: %s unreadable: %w", path, apperr.ErrRebuildRequired)
	}
	idx.conn = conn

	if loadErr := idx.load(); loadErr != nil {
		if !errors.Is(loadErr, apperr.ErrRebuildRequired) {
			conn.Close()
			return nil, loadErr
		}
		if err := idx.clear(); err != nil {
			conn.Close()
			return nil, err
		}
		return idx, loadErr
	}
	return idx, nil
}

// load reads meta and entries into memory.
func (idx *Index) load() error {
	meta := map[string]string{}
	rows, err := idx.conn.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return fmt.Errorf("index: read meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("index: scan meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()

	if len(meta) == 0 {
		if err := idx.writeMeta(); err != nil {
			return err
		}
	} else if meta["model"] != idx.model || meta["dims"] != strconv.Itoa(idx.dims) {
		return fmt.Errorf("index: built with model %q (%s dims), configured %q (%d dims): %w",
			meta["model"], meta["dims"], idx.model, idx.dims, apperr.ErrRebuildRequired)
	}

	rows, err = idx.conn.Query(`SELECT chunk_id, doc_id, seq, vector FROM entries ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("index: read entries: %w", err)
	}
	defer rows.Close()

	var loaded []entry
	for rows.Next() {
		var (
			e    entry
			blob []byte
		)
		if err := rows.Scan(&e.ChunkID, &e.DocID, &e.seq, &blob); err != nil {
			return fmt.Errorf("index: scan entry: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil || len(vec) != idx.dims {
			return fmt.Errorf("index: malformed vector for chunk %s: %w", e.ChunkID, apperr.ErrRebuildRequired)
		}
		e.Vector = vec
		e.norm = norm(vec)
		loaded = append(loaded, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index: read entries: %w", err)
	}

	idx.reset(loaded)
	return nil
}

// clear drops every entry and stamps the configured model.
func (idx *Index) clear() error {
	tx, err := idx.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("index: clear entries: %w", err)
	}
	if err := writeMetaTx(tx, idx.model, idx.dims); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit clear: %w", err)
	}
	idx.reset(nil)
	return nil
}

func (idx *Index) writeMeta() error {
	tx, err := idx.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := writeMetaTx(tx, idx.model, idx.dims); err != nil {
		return err
	}
	return tx.Commit()
}

func writeMetaTx(tx *sql.Tx, model string, dims int) error {
	for k, v := range map[string]string{"model": model, "dims": strconv.Itoa(dims)} {
		if _, err := tx.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return fmt.Errorf("index: write meta: %w", err)
		}
	}
	return nil
}

// quarantine renames an unreadable database and its journal files out of
// the way and returns the new name of the main file.
func quarantine(path string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Rename(path+suffix, aside+suffix)
	}
	return aside, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	return idx.conn.Close()
}
