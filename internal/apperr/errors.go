// Package apperr defines the error taxonomy shared across the pipeline.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is fatal at startup.
	ErrInvalidConfig = errors.New("invalid config")

	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIntegrity covers chunk ID collisions and index/store mismatches.
	// Reads keep being served; a rebuild is recommended.
	ErrIntegrity = errors.New("integrity error")

	ErrNoDocuments = errors.New("no documents")
	ErrTimeout     = errors.New("timeout")

	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrDocumentTooLarge    = errors.New("document too large")
	ErrEmptyDocument       = errors.New("document has no extractable text")

	// ErrRebuildRequired signals that the persisted index could not be
	// trusted and an empty index is being served.
	ErrRebuildRequired = errors.New("index rebuild required")

	// ErrNoPendingDuplicate is returned when a duplicate resolution refers
	// to an upload that is not parked.
	ErrNoPendingDuplicate = errors.New("no pending duplicate")
)
