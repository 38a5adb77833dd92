// Package storage defines the documents directory abstraction.
package storage

import "time"

// FileInfo describes one supported file in the documents directory.
type FileInfo struct {
	Path        string    `json:"path"` // relative to the root
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	Fingerprint string    `json:"fingerprint"`
}

// Provider is the interface for documents directory operations.
type Provider interface {
	// List returns every supported file under the root.
	List() ([]FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Place writes content under a free name derived from name and returns
	// the relative path used. Content already present is not written twice.
	Place(name string, content []byte) (string, error)
	// Delete removes the file at path (relative to root).
	Delete(path string) error
	// Find returns the relative paths of files whose content has fp.
	Find(fp string) ([]string, error)
}
