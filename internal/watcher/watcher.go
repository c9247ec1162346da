package watcher

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"shardfleet/internal/logging"
)

const (
	defaultDebounce    = 500 * time.Millisecond
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	instance := &Watcher{
		watcher:      source,
		callbacks:    make(map[string][]callbackEntry),
		dirs:         make(map[string]int),
		debouncer:    newDebouncer(debounce),
		events:       make(chan fsnotify.Event, 16),
		errors:       make(chan error, 4),
		done:         make(chan struct{}),
		logger:       options.Logger.With(map[string]string{"component": "watcher"}),
		errorHandler: options.ErrorHandler,
	}

	instance.startForwarder(source)
	go instance.run()
	return instance, nil
}

// Close stops event processing. Pending debounced events are discarded.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.debouncer.stop()
	source := watcher.watcher
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	if source == nil {
		return nil
	}
	return source.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-watcher.done:
			return
		}
	}
}

// startForwarder copies events from source until it closes, so a restarted
// fsnotify watcher can replace the old one without touching run.
func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	if !watcher.logger.Enabled(logging.LevelDebug) {
		return
	}
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}

func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := 0
	for _, entries := range watcher.callbacks {
		active += len(entries)
	}
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		EventsDelivered: atomic.LoadUint64(&watcher.eventsDelivered),
		EventsDropped:   atomic.LoadUint64(&watcher.eventsDropped),
		Errors:          atomic.LoadUint64(&watcher.errorCount),
		RestartAttempts: restartAttempts,
	}
}
