package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/embedding"
	"github.com/starford/multihop/internal/index"
	"github.com/starford/multihop/internal/models"
)

type env struct {
	store *docstore.Store
	index *index.Index
	emb   *embedding.Hashing
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.Open(filepath.Join(dir, "documents.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emb, err := embedding.NewHashing(256)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	idx, err := index.Open(filepath.Join(dir, "index.db"), emb.Model(), emb.Dimensions(), logger)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return &env{store: store, index: idx, emb: emb}
}

// add stores one single-chunk document and indexes it.
func (e *env) add(t *testing.T, fp, name, text string) {
	t.Helper()
	c := models.Chunk{ID: fp + "-0", DocumentID: fp, Text: text, TokenCount: 1, EndToken: 1}
	d := models.Document{Fingerprint: fp, Name: name, UploadedAt: time.Now(), Source: models.SourceUploaded}
	if _, _, err := e.store.AddOrReplace(d, []models.Chunk{c}, docstore.ActionNone); err != nil {
		t.Fatalf("AddOrReplace: %v", err)
	}
	vecs, err := e.emb.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.index.Insert(c.ID, vecs[0], fp); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestRetrieve_NoDocuments(t *testing.T) {
	e := newEnv(t)
	r := New(e.emb, e.index, e.store, 5)
	if _, err := r.Retrieve(context.Background(), "anything", 0); !errors.Is(err, apperr.ErrNoDocuments) {
		t.Errorf("err = %v, want ErrNoDocuments", err)
	}
}

func TestRetrieve_RanksBySimilarity(t *testing.T) {
	e := newEnv(t)
	e.add(t, "d1", "alice.txt", "Alice went to Paris for the conference.")
	e.add(t, "d2", "weather.txt", "Rain is expected over the weekend.")
	e.add(t, "d3", "bob.txt", "Bob stayed home all week.")

	r := New(e.emb, e.index, e.store, 5)
	hits, err := r.Retrieve(context.Background(), "Where did Alice go?", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].ChunkID != "d1-0" || hits[0].Document.Name != "alice.txt" {
		t.Errorf("top hit = %+v", hits[0])
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %f < %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].Chunk.Text == "" {
		t.Error("chunk text not resolved")
	}

	dbg := Debug(hits)
	if dbg[0].DocName != "alice.txt" || dbg[0].ChunkID != "d1-0" {
		t.Errorf("debug = %+v", dbg[0])
	}
}

func TestRetrieve_DefaultK(t *testing.T) {
	e := newEnv(t)
	for _, fp := range []string{"a", "b", "c"} {
		e.add(t, fp, fp+".txt", "shared words "+fp)
	}
	r := New(e.emb, e.index, e.store, 2)
	hits, err := r.Retrieve(context.Background(), "shared words", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("len = %d, want 2", len(hits))
	}
}

func TestRetrieve_SkipsOrphanedEntries(t *testing.T) {
	e := newEnv(t)
	e.add(t, "d1", "a.txt", "alpha beta")
	vecs, _ := e.emb.Embed(context.Background(), []string{"alpha beta gamma"})
	if err := e.index.Insert("ghost", vecs[0], "gone"); err != nil {
		t.Fatal(err)
	}
	r := New(e.emb, e.index, e.store, 5)
	hits, err := r.Retrieve(context.Background(), "alpha beta gamma", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "d1-0" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	e := newEnv(t)
	r := New(e.emb, e.index, e.store, 5)
	if _, err := r.Retrieve(context.Background(), "   ", 5); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestSearch_CollectionEmptiedAfterEmbed(t *testing.T) {
	e := newEnv(t)
	e.add(t, "d1", "alice.txt", "Alice went to Paris.")
	r := New(e.emb, e.index, e.store, 5)

	vec, err := r.Embed(context.Background(), "Where did Alice go?")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := e.store.MarkRemoved("d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Search(context.Background(), vec, 0); !errors.Is(err, apperr.ErrNoDocuments) {
		t.Errorf("err = %v, want ErrNoDocuments", err)
	}
}
