package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"shardfleet/internal/logging"
)

// Event is the last filesystem change seen for a path within a debounce
// window.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Handle releases a registration made with Watch.
type Handle interface {
	Close() error
}

// Watch registers a callback for changes to a file.
type Watch interface {
	Watch(path string, callback func(Event)) (Handle, error)
}

type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
	// ErrorHandler is called once the underlying watcher cannot be restarted.
	ErrorHandler func(error)
}

type Metrics struct {
	ActiveWatches   int
	EventsDelivered uint64
	EventsDropped   uint64
	Errors          uint64
	RestartAttempts int
}

type Watcher struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	callbacks map[string][]callbackEntry
	dirs      map[string]int
	debouncer *debouncer
	events    chan fsnotify.Event
	errors    chan error
	done      chan struct{}
	closed    bool
	logger    *logging.Logger
	nextID    uint64

	errorHandler    func(error)
	eventsDelivered uint64
	eventsDropped   uint64
	errorCount      uint64

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
}
