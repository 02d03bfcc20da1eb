package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.py")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	actor := NewActor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	w := NewWatcher(actor, WatcherConfig{PollInterval: 10 * time.Millisecond}, logger)

	changed := make(chan struct{}, 1)
	w.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	w.AddFiles([]string{path})

	// Force the mtime forward so the poll sees a new modification time
	// even on filesystems with coarse mtime resolution.
	future := time.Now().Add(time.Second)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.poll()

	select {
	case <-changed:
	default:
		t.Fatal("expected watcher to report a content change")
	}
}

func TestWatcherIgnoresMtimeOnlyTouch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.py")
	if err := os.WriteFile(path, []byte("same"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	actor := NewActor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	w := NewWatcher(actor, WatcherConfig{PollInterval: 10 * time.Millisecond}, logger)

	calls := 0
	w.OnChange(func() { calls++ })
	w.AddFiles([]string{path})

	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.poll()

	if calls != 0 {
		t.Fatalf("expected no change callback for an mtime-only touch, got %d calls", calls)
	}
}
