package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrClosed   = errors.New("watcher is closed")
	ErrNotFile  = errors.New("watch target is a directory")
	errNoTarget = errors.New("path is required")
)

type callbackEntry struct {
	id       uint64
	callback func(Event)
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func (handle *watchHandle) Close() error {
	var err error
	handle.once.Do(func() {
		err = handle.watcher.removeCallback(handle.path, handle.id)
	})
	return err
}

// Watch calls callback after changes to the file at path. The file does not
// need to exist yet, but its directory does.
func (watcher *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if path == "" {
		return nil, errNoTarget
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, target)
	}
	dir := filepath.Dir(target)
	if info, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, ErrClosed
	}
	watcher.nextID++
	entry := callbackEntry{id: watcher.nextID, callback: callback}
	watcher.callbacks[target] = append(watcher.callbacks[target], entry)
	needsAdd := watcher.dirs[dir] == 0
	watcher.dirs[dir]++
	source := watcher.watcher
	active := len(watcher.dirs)
	watcher.mutex.Unlock()

	if needsAdd {
		if err := source.Add(dir); err != nil {
			watcher.dropCallback(target, entry.id)
			watcher.logWarn("watch add failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
			return nil, err
		}
		watcher.logDebug("watch added", dir, active)
	}
	return &watchHandle{watcher: watcher, path: target, id: entry.id}, nil
}

func (watcher *Watcher) removeCallback(path string, id uint64) error {
	dir, removed := watcher.dropCallback(path, id)
	if !removed || dir == "" {
		return nil
	}
	watcher.mutex.Lock()
	source := watcher.watcher
	closed := watcher.closed
	watcher.mutex.Unlock()
	if closed {
		return nil
	}
	if err := source.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		watcher.logWarn("watch remove failed", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
		return err
	}
	watcher.logDebug("watch removed", dir, 0)
	return nil
}

// dropCallback forgets a registration. It reports the directory when that
// was its last user.
func (watcher *Watcher) dropCallback(path string, id uint64) (string, bool) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	callbacks := watcher.callbacks[path]
	found := false
	for index, candidate := range callbacks {
		if candidate.id == id {
			callbacks = append(callbacks[:index], callbacks[index+1:]...)
			found = true
			break
		}
	}
	if !found {
		return "", false
	}
	if len(callbacks) == 0 {
		delete(watcher.callbacks, path)
	} else {
		watcher.callbacks[path] = callbacks
	}

	dir := filepath.Dir(path)
	watcher.dirs[dir]--
	if watcher.dirs[dir] > 0 {
		return "", false
	}
	delete(watcher.dirs, dir)
	return dir, true
}

func (watcher *Watcher) callbacksForPathLocked(path string) []func(Event) {
	entries := watcher.callbacks[path]
	callbacks := make([]func(Event), 0, len(entries))
	for _, entry := range entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}
