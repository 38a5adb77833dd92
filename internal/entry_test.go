package internal

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/multihop/internal/pipeline"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.App.LogLevel = slog.LevelError
	cfg.Storage = StorageConfig{
		DocumentsPath: filepath.Join(dir, "documents"),
		MetadataPath:  filepath.Join(dir, "documents.db"),
		IndexPath:     filepath.Join(dir, "index.db"),
	}
	cfg.Embedding.Dimensions = 128
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRunAsk_EmptyCollection(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	if err := RunAsk(context.Background(), "Is anything indexed?", false, WithConfig(cfg), WithOutput(&out)); err != nil {
		t.Fatalf("RunAsk: %v", err)
	}
	if strings.TrimSpace(out.String()) != pipeline.NoDocumentsGuidance {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunRebuild_ThenAskFindsSyncedDocument(t *testing.T) {
	cfg := testConfig(t)

	// Ingest through a wired pipeline, as the server would on startup.
	c, err := build(cfg, slog.Default(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Storage.DocumentsPath, "trip.txt"), []byte("Alice visited Paris in 2019."), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.pipeline.ScanAndSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()

	var out bytes.Buffer
	if err := RunRebuild(context.Background(), WithConfig(cfg), WithOutput(&out)); err != nil {
		t.Fatalf("RunRebuild: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out.String()), pipeline.StageCompleted) {
		t.Errorf("rebuild output = %q", out.String())
	}

	out.Reset()
	if err := RunAsk(context.Background(), "Where did Alice go?", false, WithConfig(cfg), WithOutput(&out)); err != nil {
		t.Fatalf("RunAsk: %v", err)
	}
	if !strings.Contains(out.String(), "Paris") || !strings.Contains(out.String(), "(trip.txt)") {
		t.Errorf("answer = %q", out.String())
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("Run without config should fail")
	}
}
