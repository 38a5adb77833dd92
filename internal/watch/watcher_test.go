package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/multihop/internal/testutil"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func txtOnly(name string) bool { return strings.HasSuffix(name, ".txt") }

// startWatch runs Watch on dir and counts rescans.
func startWatch(t *testing.T, dir string) *atomic.Int32 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var count atomic.Int32
	go Watch(ctx, dir, txtOnly, 50*time.Millisecond, testutil.Logger(), func(context.Context) {
		count.Add(1)
	})
	time.Sleep(100 * time.Millisecond)
	return &count
}

func TestWatcher_NewFileTriggersRescan(t *testing.T) {
	dir := t.TempDir()
	count := startWatch(t, dir)

	_ = os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hello"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return count.Load() > 0
	}, "new file did not trigger a rescan")
}

func TestWatcher_IgnoresUnsupportedAndHidden(t *testing.T) {
	dir := t.TempDir()
	count := startWatch(t, dir)

	_ = os.WriteFile(filepath.Join(dir, "image.png"), []byte("png"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, ".multihop-tmp-1"), []byte("partial"), 0o644)

	time.Sleep(400 * time.Millisecond)
	if n := count.Load(); n != 0 {
		t.Errorf("rescans = %d, want 0", n)
	}
}

func TestWatcher_BurstIsDebounced(t *testing.T) {
	dir := t.TempDir()
	count := startWatch(t, dir)

	for i := range 10 {
		_ = os.WriteFile(filepath.Join(dir, "f"+string(rune('a'+i))+".txt"), []byte("x"), 0o644)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return count.Load() > 0
	}, "burst did not trigger a rescan")
	time.Sleep(200 * time.Millisecond)
	if n := count.Load(); n >= 10 {
		t.Errorf("rescans = %d, expected debouncing", n)
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	dir := t.TempDir()
	count := startWatch(t, dir)

	sub := filepath.Join(dir, "sub")
	_ = os.Mkdir(sub, 0o755)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return count.Load() > 0
	}, "new dir did not trigger a rescan")

	before := count.Load()
	time.Sleep(100 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("deep"), 0o644)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return count.Load() > before
	}, "file in new dir did not trigger a rescan")
}

func TestWatcher_SyncsPipeline(t *testing.T) {
	env := testutil.TestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, env.DocsDir, env.Files.Supported, 50*time.Millisecond, testutil.Logger(), func(ctx context.Context) {
		_, _ = env.Pipeline.ScanAndSync(ctx)
	})
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(env.DocsDir, "dropped.txt"), []byte("Frank moved to Madrid."), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		docs, _ := env.Pipeline.ListDocuments("")
		return len(docs) == 1 && docs[0].Name == "dropped.txt"
	}, "dropped file not ingested")
}
