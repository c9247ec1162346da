package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/process"
	"shardfleet/internal/script"
)

// InProcLauncher runs workers as goroutines connected by in-memory links. It
// reads startup parameters from Spec.Env only.
type InProcLauncher struct {
	NewClient   ClientFactory
	Register    func(*script.Evaluator)
	EvalTimeout time.Duration
	Logger      *logging.Logger

	mu    sync.Mutex
	procs []*InProcProcess
}

func (l *InProcLauncher) Launch(ctx context.Context, spec process.Spec) (process.Process, error) {
	if l.NewClient == nil {
		return nil, fmt.Errorf("in-process launcher has no client factory")
	}
	params, err := ipc.ParseParams(envLookup(spec.Env))
	if err != nil {
		return nil, err
	}
	client, err := l.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	evaluator, err := script.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if l.Register != nil {
		l.Register(evaluator)
	}

	coordinator, peer := ipc.Pipe()
	util, err := New(Options{
		Link:        peer,
		Params:      params,
		Client:      client,
		Evaluator:   evaluator,
		EvalTimeout: l.EvalTimeout,
		Logger:      l.Logger,
	})
	if err != nil {
		_ = coordinator.Close()
		_ = peer.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	proc := &InProcProcess{
		pid:    len(l.procs) + 1,
		link:   coordinator,
		util:   util,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.procs = append(l.procs, proc)
	l.mu.Unlock()

	go proc.run(runCtx)
	return proc, nil
}

// Processes returns every process launched so far, oldest first.
func (l *InProcLauncher) Processes() []*InProcProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*InProcProcess(nil), l.procs...)
}

// Running returns the processes that have not exited.
func (l *InProcLauncher) Running() []*InProcProcess {
	var running []*InProcProcess
	for _, proc := range l.Processes() {
		select {
		case <-proc.done:
		default:
			running = append(running, proc)
		}
	}
	return running
}

func envLookup(environ []string) func(string) (string, bool) {
	values := make(map[string]string, len(environ))
	for _, entry := range environ {
		if key, value, ok := strings.Cut(entry, "="); ok {
			values[key] = value
		}
	}
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

// InProcProcess is a worker running in the coordinator's address space.
type InProcProcess struct {
	pid    int
	link   *ipc.Link
	util   *Util
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	crash   error
	exitErr error
}

func (p *InProcProcess) PID() int              { return p.pid }
func (p *InProcProcess) Link() *ipc.Link       { return p.link }
func (p *InProcProcess) Done() <-chan struct{} { return p.done }

// Util is the worker-side handle, for driving the worker API directly.
func (p *InProcProcess) Util() *Util { return p.util }

func (p *InProcProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *InProcProcess) run(ctx context.Context) {
	err := p.util.Run(ctx)
	p.mu.Lock()
	if p.crash != nil {
		err = p.crash
	}
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Crash ends the worker as if the process had exited with err.
func (p *InProcProcess) Crash(err error) {
	p.mu.Lock()
	p.crash = err
	p.mu.Unlock()
	p.cancel()
	<-p.done
}

func (p *InProcProcess) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
