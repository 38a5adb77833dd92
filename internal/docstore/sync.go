package docstore

import (
	"fmt"

	"github.com/starford/multihop/internal/models"
)

// SyncResult is the outcome of reconciling the store against an
// enumerated set of on-disk fingerprints.
type SyncResult struct {
	// Unknown fingerprints have no active document and should be
	// ingested as synced.
	Unknown []string
	// Missing documents are active but their file was not found.
	Missing []models.Document
}

// SyncFromSource reconciles the store with discovered fingerprints. Active
// documents absent from discovered are flagged missing; those present
// have the flag cleared. Documents are never removed here.
func (s *Store) SyncFromSource(discovered []string) (*SyncResult, error) {
	active, err := s.ListActive()
	if err != nil {
		return nil, err
	}

	onDisk := make(map[string]struct{}, len(discovered))
	for _, fp := range discovered {
		onDisk[fp] = struct{}{}
	}

	res := &SyncResult{}
	known := make(map[string]struct{}, len(active))

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("docstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range active {
		known[d.Fingerprint] = struct{}{}
		_, present := onDisk[d.Fingerprint]
		if present == !d.Missing {
			if !present {
				res.Missing = append(res.Missing, d)
			}
			continue
		}
		if _, err := tx.Exec(`UPDATE documents SET missing = ? WHERE fingerprint = ?`, !present, d.Fingerprint); err != nil {
			return nil, fmt.Errorf("docstore: flag missing: %w", err)
		}
		if !present {
			d.Missing = true
			res.Missing = append(res.Missing, d)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("docstore: commit: %w", err)
	}

	seen := make(map[string]struct{}, len(discovered))
	for _, fp := range discovered {
		if _, ok := known[fp]; ok {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		res.Unknown = append(res.Unknown, fp)
	}
	return res, nil
}

// Stats summarises active documents.
func (s *Store) Stats() (models.Stats, error) {
	var st models.Stats
	err := s.conn.QueryRow(`
		SELECT count(*), COALESCE(SUM(size), 0), COALESCE(SUM(missing), 0)
		FROM documents WHERE status = ?
	`, models.StatusActive).Scan(&st.Documents, &st.TotalBytes, &st.Missing)
	if err != nil {
		return st, fmt.Errorf("docstore: stats: %w", err)
	}
	if st.Documents > 0 {
		st.AverageBytes = float64(st.TotalBytes) / float64(st.Documents)
	}
	err = s.conn.QueryRow(`
		SELECT count(*) FROM chunks c
		JOIN documents d ON d.fingerprint = c.fingerprint
		WHERE d.status = ?
	`, models.StatusActive).Scan(&st.Chunks)
	if err != nil {
		return st, fmt.Errorf("docstore: chunk stats: %w", err)
	}
	return st, nil
}
