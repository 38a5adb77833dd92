package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/multihop/internal/models"
)

// SourceFile is a file found in the documents directory. Data may be nil,
// in which case it is read from the pipeline's storage provider when the
// file needs ingesting.
type SourceFile struct {
	Name        string
	Fingerprint string
	Data        []byte
}

// SyncFailure is a file that could not be ingested during a sync.
type SyncFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// SyncReport is the outcome of a filesystem sync.
type SyncReport struct {
	Added   []models.Document `json:"added"`
	Missing []models.Document `json:"missing"`
	Failed  []SyncFailure     `json:"failed,omitempty"`
}

// SyncFromFilesystem reconciles the collection with the files found on
// disk. Unknown content is ingested with source synced. Active documents
// without a file are flagged missing, never removed.
func (p *Pipeline) SyncFromFilesystem(ctx context.Context, files []SourceFile) (*SyncReport, error) {
	fps := make([]string, len(files))
	byFP := make(map[string]SourceFile, len(files))
	for i, f := range files {
		fps[i] = f.Fingerprint
		if _, ok := byFP[f.Fingerprint]; !ok {
			byFP[f.Fingerprint] = f
		}
	}

	p.mu.Lock()
	res, err := p.store.SyncFromSource(fps)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("pipeline: sync: %w", err)
	}

	report := &SyncReport{Added: []models.Document{}, Missing: res.Missing}
	if report.Missing == nil {
		report.Missing = []models.Document{}
	}
	for _, fp := range res.Unknown {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		f := byFP[fp]
		data := f.Data
		if data == nil {
			if p.files == nil {
				report.Failed = append(report.Failed, SyncFailure{Name: f.Name, Error: "no storage provider to read from"})
				continue
			}
			if data, err = p.files.Read(f.Name); err != nil {
				report.Failed = append(report.Failed, SyncFailure{Name: f.Name, Error: err.Error()})
				continue
			}
		}
		r, err := p.Ingest(ctx, f.Name, data, models.SourceSynced)
		if err != nil {
			report.Failed = append(report.Failed, SyncFailure{Name: f.Name, Error: err.Error()})
			continue
		}
		if r.Outcome == OutcomeAdded {
			report.Added = append(report.Added, *r.Document)
		}
	}

	for _, d := range res.Missing {
		p.notify(EventDocumentMissing, d)
	}
	if len(report.Added) > 0 || len(report.Missing) > 0 || len(report.Failed) > 0 {
		p.logger.Info("pipeline: sync",
			slog.Int("added", len(report.Added)),
			slog.Int("missing", len(report.Missing)),
			slog.Int("failed", len(report.Failed)))
	}
	return report, nil
}

// ScanAndSync enumerates the documents directory and syncs against it.
func (p *Pipeline) ScanAndSync(ctx context.Context) (*SyncReport, error) {
	if p.files == nil {
		return nil, errors.New("pipeline: no documents directory configured")
	}
	found, err := p.files.List()
	if err != nil {
		return nil, fmt.Errorf("pipeline: scan: %w", err)
	}
	files := make([]SourceFile, len(found))
	for i, f := range found {
		files[i] = SourceFile{Name: f.Path, Fingerprint: f.Fingerprint}
	}
	return p.SyncFromFilesystem(ctx, files)
}
