package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/multihop/internal/fingerprint"
)

const tmpPattern = ".multihop-tmp-*"

// FS implements Provider backed by the local file system.
type FS struct {
	root      string // absolute path to the documents directory
	supported func(name string) bool
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist. supported filters List; nil accepts
// every regular file.
func NewFS(root string, supported func(name string) bool) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	if supported == nil {
		supported = func(string) bool { return true }
	}
	return &FS{root: abs, supported: supported}, nil
}

// Root returns the absolute documents directory.
func (f *FS) Root() string { return f.root }

// Supported reports whether List would include a file with this name.
func (f *FS) Supported(name string) bool {
	return !strings.HasPrefix(name, ".") && f.supported(name)
}

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes documents root: %s", rel)
	}
	return abs, nil
}

// List walks the root and fingerprints every supported file. Hidden
// files, including in-flight temp files, are skipped.
func (f *FS) List() ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if strings.HasPrefix(d.Name(), ".") && p != f.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !f.supported(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.root, p)
		out = append(out, FileInfo{
			Path:        filepath.ToSlash(rel),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Fingerprint: fingerprint.Of(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Place stores content under the base name of name. When that name is
// taken by different content the short fingerprint is appended.
func (f *FS) Place(name string, content []byte) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(os.PathSeparator) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("storage: invalid file name %q", name)
	}
	fp := fingerprint.Of(content)

	candidates := []string{base}
	ext := filepath.Ext(base)
	candidates = append(candidates, strings.TrimSuffix(base, ext)+"-"+fingerprint.Short(fp)+ext)

	for _, rel := range candidates {
		abs, err := f.safePath(rel)
		if err != nil {
			return "", err
		}
		existing, err := os.ReadFile(abs)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := f.write(abs, content); err != nil {
				return "", err
			}
			return rel, nil
		case err != nil:
			return "", fmt.Errorf("storage: read %s: %w", rel, err)
		case fingerprint.Of(existing) == fp:
			return rel, nil
		}
	}
	return "", fmt.Errorf("storage: no free name for %q", name)
}

// write atomically writes content: tmp file → fsync → rename.
func (f *FS) write(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes a file.
func (f *FS) Delete(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Find returns every file whose content fingerprint is fp.
func (f *FS) Find(fp string) ([]string, error) {
	files, err := f.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, fi := range files {
		if fi.Fingerprint == fp {
			out = append(out, fi.Path)
		}
	}
	return out, nil
}
