package watcher

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	timer *time.Timer
	event Event
}

// debouncer holds the latest event per path until the path goes quiet. It is
// guarded by the owning Watcher's mutex.
type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

// schedule records event for path and reports whether it replaced one that
// was still waiting.
func (debouncer *debouncer) schedule(path string, event Event, flush func(string)) bool {
	if debouncer.entries == nil {
		return false
	}
	entry := debouncer.entries[path]
	replaced := entry.timer != nil
	entry.event = event
	if entry.timer == nil {
		entry.timer = time.AfterFunc(debouncer.duration, func() {
			flush(path)
		})
	} else {
		entry.timer.Reset(debouncer.duration)
	}
	debouncer.entries[path] = entry
	return replaced
}

func (debouncer *debouncer) pop(path string) (Event, bool) {
	entry, ok := debouncer.entries[path]
	if !ok {
		return Event{}, false
	}
	delete(debouncer.entries, path)
	return entry.event, true
}

func (debouncer *debouncer) stop() {
	for _, entry := range debouncer.entries {
		entry.timer.Stop()
	}
	debouncer.entries = nil
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	// Permission changes alone do not produce a new binary.
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || len(watcher.callbacks[path]) == 0 {
		return
	}
	entry := Event{
		Path:      path,
		Op:        event.Op,
		Timestamp: time.Now().UTC(),
	}
	if watcher.debouncer.schedule(path, entry, watcher.flush) {
		atomic.AddUint64(&watcher.eventsDropped, 1)
	}
}

func (watcher *Watcher) flush(path string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.pop(path)
	if !ok {
		watcher.mutex.Unlock()
		return
	}
	callbacks := watcher.callbacksForPathLocked(path)
	watcher.mutex.Unlock()

	for _, callback := range callbacks {
		callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}
