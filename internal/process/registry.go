package process

import (
	"context"
	"errors"
	"sync"
)

type Entry struct {
	PID  int
	PGID int
	Name string
	Wait func(context.Context) error
}

// Registry tracks every live worker so the coordinator can stop them all on
// shutdown.
type Registry struct {
	mu      sync.Mutex
	entries map[int]Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]Entry),
	}
}

func (r *Registry) Register(pid, pgid int, name string) {
	r.RegisterWithWait(pid, pgid, name, nil)
}

func (r *Registry) RegisterWithWait(pid, pgid int, name string, wait func(context.Context) error) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[pid] = Entry{PID: pid, PGID: pgid, Name: name, Wait: wait}
	r.mu.Unlock()
}

func (r *Registry) Unregister(pid int) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// StopAll stops every registered process in parallel and joins the errors.
func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	entries := r.Entries()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopErr error
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			err := stopProcess(ctx, entry.PID, entry.PGID, DefaultStopGrace, entry.Wait)
			if err != nil && !errors.Is(err, ErrProcessNotFound) {
				mu.Lock()
				stopErr = errors.Join(stopErr, err)
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()

	r.mu.Lock()
	for _, entry := range entries {
		delete(r.entries, entry.PID)
	}
	r.mu.Unlock()
	return stopErr
}
