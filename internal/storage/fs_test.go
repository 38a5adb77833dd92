package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/multihop/internal/fingerprint"
)

func txtOnly(name string) bool { return strings.HasSuffix(name, ".txt") }

func tempDocs(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir, txtOnly)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestPlaceAndRead(t *testing.T) {
	s := tempDocs(t)
	content := []byte("Alice went to Paris.")
	rel, err := s.Place("trip.txt", content)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if rel != "trip.txt" {
		t.Errorf("rel = %q", rel)
	}
	got, err := s.Read(rel)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestPlace_SameContentIsIdempotent(t *testing.T) {
	s := tempDocs(t)
	a, _ := s.Place("a.txt", []byte("same"))
	b, err := s.Place("a.txt", []byte("same"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if a != b {
		t.Errorf("paths differ: %q vs %q", a, b)
	}
}

func TestPlace_NameClashGetsFingerprintSuffix(t *testing.T) {
	s := tempDocs(t)
	_, _ = s.Place("notes.txt", []byte("first"))
	rel, err := s.Place("notes.txt", []byte("second"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	want := "notes-" + fingerprint.Short(fingerprint.Of([]byte("second"))) + ".txt"
	if rel != want {
		t.Errorf("rel = %q, want %q", rel, want)
	}
	got, _ := s.Read("notes.txt")
	if string(got) != "first" {
		t.Errorf("original overwritten: %q", got)
	}
}

func TestPlace_StripsDirectories(t *testing.T) {
	s := tempDocs(t)
	rel, err := s.Place("../../etc/evil.txt", []byte("x"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if rel != "evil.txt" {
		t.Errorf("rel = %q", rel)
	}
	if _, err := s.Place(".hidden.txt", []byte("x")); err == nil {
		t.Error("expected error for hidden name")
	}
}

func TestDelete(t *testing.T) {
	s := tempDocs(t)
	rel, _ := s.Place("del.txt", []byte("bye"))
	if err := s.Delete(rel); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(rel); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestList_FiltersAndFingerprints(t *testing.T) {
	s := tempDocs(t)
	_, _ = s.Place("a.txt", []byte("a"))
	_ = os.MkdirAll(filepath.Join(s.root, "sub"), 0o755)
	_ = os.WriteFile(filepath.Join(s.root, "sub", "b.txt"), []byte("b"), 0o644)
	_ = os.WriteFile(filepath.Join(s.root, "image.png"), []byte("png"), 0o644)
	_ = os.WriteFile(filepath.Join(s.root, ".multihop-tmp-123"), []byte("partial"), 0o644)

	items, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(items), items)
	}
	byPath := map[string]FileInfo{}
	for _, it := range items {
		byPath[it.Path] = it
	}
	if byPath["sub/b.txt"].Fingerprint != fingerprint.Of([]byte("b")) {
		t.Errorf("fingerprint mismatch: %+v", byPath["sub/b.txt"])
	}
	if byPath["a.txt"].Size != 1 {
		t.Errorf("size = %d", byPath["a.txt"].Size)
	}
}

func TestFind(t *testing.T) {
	s := tempDocs(t)
	_, _ = s.Place("one.txt", []byte("dup"))
	_ = os.WriteFile(filepath.Join(s.root, "two.txt"), []byte("dup"), 0o644)
	_, _ = s.Place("other.txt", []byte("other"))

	paths, err := s.Find(fingerprint.Of([]byte("dup")))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("paths = %v", paths)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempDocs(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.txt",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Delete(p); err == nil {
			t.Errorf("expected error for delete of %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := tempDocs(t)
	if _, err := s.Place("atomic.txt", []byte("content")); err != nil {
		t.Fatalf("Place: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPattern))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/multihop-does-not-exist-"+t.Name(), nil)
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "multihop-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name(), nil)
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
