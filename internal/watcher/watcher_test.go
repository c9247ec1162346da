package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	watcher, err := NewWithOptions(Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() {
		_ = watcher.Close()
	})
	return watcher
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func collect(events chan<- Event) func(Event) {
	return func(event Event) {
		select {
		case events <- event:
		default:
		}
	}
}

func TestWatcherDispatchesWriteEvent(t *testing.T) {
	watcher := newTestWatcher(t)
	path := filepath.Join(t.TempDir(), "worker")
	writeFile(t, path, "v1")

	events := make(chan Event, 4)
	handle, err := watcher.Watch(path, collect(events))
	if err != nil {
		t.Fatalf("watch path: %v", err)
	}
	defer handle.Close()

	writeFile(t, path, "v2")

	event, ok := waitForEvent(events)
	if !ok {
		t.Fatal("timed out waiting for write event")
	}
	if event.Path != path {
		t.Fatalf("expected path %q, got %q", path, event.Path)
	}
}

func TestWatcherFollowsReplacedFile(t *testing.T) {
	watcher := newTestWatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "worker")
	writeFile(t, path, "v1")

	events := make(chan Event, 4)
	handle, err := watcher.Watch(path, collect(events))
	if err != nil {
		t.Fatalf("watch path: %v", err)
	}
	defer handle.Close()

	for _, build := range []string{"v2", "v3"} {
		staged := filepath.Join(dir, "worker.new")
		writeFile(t, staged, build)
		if err := os.Rename(staged, path); err != nil {
			t.Fatalf("rename: %v", err)
		}
		event, ok := waitForEvent(events)
		if !ok {
			t.Fatalf("timed out waiting for replacement %s", build)
		}
		if event.Path != path {
			t.Fatalf("expected path %q, got %q", path, event.Path)
		}
	}
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	watcher := newTestWatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "worker")

	events := make(chan Event, 4)
	handle, err := watcher.Watch(path, collect(events))
	if err != nil {
		t.Fatalf("watch missing file: %v", err)
	}
	defer handle.Close()

	writeFile(t, filepath.Join(dir, "other"), "x")
	select {
	case event := <-events:
		t.Fatalf("unexpected event for %s", event.Path)
	case <-time.After(150 * time.Millisecond):
	}

	writeFile(t, path, "created")
	event, ok := waitForEvent(events)
	if !ok {
		t.Fatal("timed out waiting for create event")
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		t.Fatalf("expected create or write, got %s", event.Op)
	}
}

func TestWatchRejectsBadTargets(t *testing.T) {
	watcher := newTestWatcher(t)
	if _, err := watcher.Watch("", func(Event) {}); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := watcher.Watch(t.TempDir(), func(Event) {}); err == nil {
		t.Fatal("expected error for directory")
	}
	if _, err := watcher.Watch(filepath.Join(t.TempDir(), "missing", "worker"), func(Event) {}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestHandleCloseReleasesWatch(t *testing.T) {
	watcher := newTestWatcher(t)
	dir := t.TempDir()
	first, err := watcher.Watch(filepath.Join(dir, "a"), func(Event) {})
	if err != nil {
		t.Fatalf("watch a: %v", err)
	}
	second, err := watcher.Watch(filepath.Join(dir, "b"), func(Event) {})
	if err != nil {
		t.Fatalf("watch b: %v", err)
	}
	if got := watcher.Metrics().ActiveWatches; got != 2 {
		t.Fatalf("expected 2 active watches, got %d", got)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	watcher.mutex.Lock()
	refs := watcher.dirs[dir]
	watcher.mutex.Unlock()
	if refs != 1 {
		t.Fatalf("expected directory to stay watched once, got %d", refs)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("close second: %v", err)
	}
	if got := watcher.Metrics().ActiveWatches; got != 0 {
		t.Fatalf("expected no active watches, got %d", got)
	}
}

func TestWatchAfterClose(t *testing.T) {
	watcher := newTestWatcher(t)
	if err := watcher.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := watcher.Watch(filepath.Join(t.TempDir(), "worker"), func(Event) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func waitForEvent(events <-chan Event) (Event, bool) {
	select {
	case event := <-events:
		return event, true
	case <-time.After(2 * time.Second):
		return Event{}, false
	}
}
