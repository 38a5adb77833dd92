// Package models holds the domain types shared by the pipeline components.
package models

import "time"

// Source records how a document entered the collection.
type Source string

const (
	SourceUploaded Source = "uploaded"
	SourceSynced   Source = "synced"
)

// Valid reports whether s is a known source kind.
func (s Source) Valid() bool {
	return s == SourceUploaded || s == SourceSynced
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// Document is identified by the fingerprint of its raw bytes.
type Document struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Source      Source    `json:"source"`
	Status      Status    `json:"status"`
	// Missing is set by filesystem sync when the backing file vanished.
	Missing  bool     `json:"missing"`
	ChunkIDs []string `json:"chunk_ids"`
}

// Active reports whether the document currently contributes chunks.
func (d *Document) Active() bool {
	return d.Status == StatusActive
}

// Chunk is a token window of a document's text. Its vector lives in the
// index, never here.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	// StartToken and EndToken bound the window in the document token
	// sequence, end exclusive. Overlap is the number of leading tokens
	// shared with the previous chunk.
	StartToken int `json:"start_token"`
	EndToken   int `json:"end_token"`
	Overlap    int `json:"overlap"`
}

// Hit is one entry of a retrieval result.
type Hit struct {
	ChunkID  string   `json:"chunk_id"`
	Score    float64  `json:"score"`
	Chunk    Chunk    `json:"chunk"`
	Document Document `json:"document"`
}

// ScoredChunk is the debug view of a retrieved chunk.
type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	DocName string  `json:"doc_name"`
}

// QueryRecord is kept for the session debug view only.
type QueryRecord struct {
	Query     string        `json:"query"`
	Retrieved []ScoredChunk `json:"retrieved"`
	Answer    string        `json:"answer"`
	Error     string        `json:"error,omitempty"`
	AskedAt   time.Time     `json:"asked_at"`
}

// Stats summarises the collection.
type Stats struct {
	Documents       int     `json:"documents"`
	TotalBytes      int64   `json:"total_bytes"`
	AverageBytes    float64 `json:"average_bytes"`
	Chunks          int     `json:"chunks"`
	IndexEntries    int     `json:"index_entries"`
	Missing         int     `json:"missing"`
	RebuildRequired bool    `json:"rebuild_required"`
}
