// Package parser extracts plain text from supported document formats.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/starford/multihop/internal/apperr"
)

// Formats.
const (
	FormatTXT  = "txt"
	FormatMD   = "md"
	FormatDOCX = "docx"
	FormatPDF  = "pdf"
)

// DefaultTypes are the formats accepted when none are configured.
var DefaultTypes = []string{FormatPDF, FormatTXT, FormatDOCX}

var known = map[string]struct{}{FormatTXT: {}, FormatMD: {}, FormatDOCX: {}, FormatPDF: {}}

// Result holds the output of extracting a document.
type Result struct {
	Format string
	Title  string
	Text   string
}

// Extractor dispatches on file extension.
type Extractor struct {
	supported map[string]struct{}
	runner    CommandRunner
	pdftotext string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRunner replaces the command runner used for PDF extraction.
func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) { e.runner = r }
}

// WithPDFToText sets the pdftotext executable.
func WithPDFToText(path string) Option {
	return func(e *Extractor) {
		if path != "" {
			e.pdftotext = path
		}
	}
}

// NewExtractor accepts the given formats (extensions without the dot).
func NewExtractor(types []string, opts ...Option) (*Extractor, error) {
	if len(types) == 0 {
		types = DefaultTypes
	}
	e := &Extractor{
		supported: make(map[string]struct{}, len(types)),
		runner:    execRunner{},
		pdftotext: "pdftotext",
	}
	for _, t := range types {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if _, ok := known[t]; !ok {
			return nil, fmt.Errorf("parser: no extractor for %q: %w", t, apperr.ErrInvalidConfig)
		}
		e.supported[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Format returns the lower-case extension of name without the dot.
func Format(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Supported reports whether files named like name are accepted.
func (e *Extractor) Supported(name string) bool {
	_, ok := e.supported[Format(name)]
	return ok
}

// Check rejects names with an unsupported extension.
func (e *Extractor) Check(name string) error {
	if !e.Supported(name) {
		return fmt.Errorf("parser: %q: %w", name, apperr.ErrUnsupportedFileType)
	}
	return nil
}

// Extract returns the text of data, which was uploaded under name.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (*Result, error) {
	if err := e.Check(name); err != nil {
		return nil, err
	}

	format := Format(name)
	var (
		res *Result
		err error
	)
	switch format {
	case FormatTXT:
		res, err = parseText(data)
	case FormatMD:
		res, err = parseMarkdown(data)
	case FormatDOCX:
		res, err = parseDOCX(data)
	case FormatPDF:
		res, err = e.parsePDF(ctx, data)
	}
	if err != nil {
		return nil, fmt.Errorf("parser: %s: %w", name, err)
	}
	res.Format = format
	if res.Title == "" {
		res.Title = titleFromName(name)
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, fmt.Errorf("parser: %s: %w", name, apperr.ErrEmptyDocument)
	}
	return res, nil
}

func parseText(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text is not valid UTF-8")
	}
	return &Result{Text: strings.TrimPrefix(string(data), "\ufeff")}, nil
}

func titleFromName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.NewReplacer("_", " ", "-", " ").Replace(base)
}
