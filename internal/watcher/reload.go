package watcher

import (
	"context"
	"errors"
	"os"
	"sync/atomic"

	"shardfleet/internal/logging"
)

// ReloadFunc rolls the fleet onto the current contents of the watched file.
type ReloadFunc func(ctx context.Context) error

type ReloaderOptions struct {
	Path   string
	Reload ReloadFunc
	Logger *logging.Logger
}

// Reloader calls Reload each time the watched file settles after a change.
// Changes that arrive while a reload runs collapse into one follow-up reload.
type Reloader struct {
	path    string
	reload  ReloadFunc
	logger  *logging.Logger
	trigger chan struct{}

	reloads  atomic.Uint64
	failures atomic.Uint64
}

func NewReloader(opts ReloaderOptions) (*Reloader, error) {
	if opts.Path == "" {
		return nil, errNoTarget
	}
	if opts.Reload == nil {
		return nil, errors.New("reload function is required")
	}
	return &Reloader{
		path:    opts.Path,
		reload:  opts.Reload,
		logger:  opts.Logger.With(map[string]string{"path": opts.Path}),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Run watches the file with source and reloads until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context, source Watch) error {
	handle, err := source.Watch(r.path, func(Event) {
		r.Trigger()
	})
	if err != nil {
		return err
	}
	defer handle.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
		}
		// A remove without a replacement leaves nothing to start.
		if _, err := os.Stat(r.path); err != nil {
			r.logger.Warn("watched file unavailable, skipping reload", map[string]string{"error": err.Error()})
			continue
		}
		r.logger.Info("watched file changed, reloading fleet", nil)
		if err := r.reload(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.failures.Add(1)
			r.logger.Error("reload failed", map[string]string{"error": err.Error()})
			continue
		}
		r.reloads.Add(1)
	}
}

// Trigger requests a reload as if the file had changed.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reloader) Reloads() uint64  { return r.reloads.Load() }
func (r *Reloader) Failures() uint64 { return r.failures.Load() }
