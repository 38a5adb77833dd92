// Package docstore persists document identity, metadata and the ordered
// chunk IDs each document owns. Chunk text is kept so the vector index can
// be rebuilt without the original files; vectors are never stored here.
package docstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	fingerprint TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	uploaded_at DATETIME NOT NULL,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	missing     INTEGER NOT NULL DEFAULT 0,
	seq         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL REFERENCES documents(fingerprint) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	text        TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	start_token INTEGER NOT NULL,
	end_token   INTEGER NOT NULL,
	overlap     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, seq);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(fingerprint, seq);
`

// Store wraps a sql.DB with document operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the metadata database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("docstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
