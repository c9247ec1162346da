// Package process launches worker processes with an IPC link on file
// descriptors 3 and 4 and stops them as a process group.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

var ErrProcessNotFound = errors.New("process not running")

// Spec describes one worker process.
type Spec struct {
	Name string
	Path string
	Args []string
	// Env is appended to the coordinator's environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running worker whose link is connected to the coordinator.
type Process interface {
	PID() int
	Link() *ipc.Link
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr reports how the process ended. Only valid after Done.
	ExitErr() error
	// Stop terminates the process and waits for it to exit.
	Stop(ctx context.Context) error
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts workers as OS processes.
type ExecLauncher struct {
	Registry  *Registry
	Logger    *logging.Logger
	StopGrace time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if spec.Path == "" {
		return nil, errors.New("worker path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentOut)
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	configureCommand(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(childIn, parentOut, parentIn, childOut)
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	closeAll(childIn, childOut)

	grace := l.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	proc := &execProcess{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		pgid:     GroupID(cmd.Process.Pid),
		link:     ipc.NewLink(parentIn, parentOut),
		done:     make(chan struct{}),
		grace:    grace,
		registry: l.Registry,
	}
	name := spec.Name
	if name == "" {
		name = spec.Path
	}
	l.Registry.RegisterWithWait(proc.pid, proc.pgid, name, proc.wait)
	go proc.reap()

	l.Logger.Debug("worker process started", map[string]string{
		"name": name,
		"pid":  fmt.Sprint(proc.pid),
	})
	return proc, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	pid      int
	pgid     int
	link     *ipc.Link
	done     chan struct{}
	grace    time.Duration
	registry *Registry

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int              { return p.pid }
func (p *execProcess) Link() *ipc.Link       { return p.link }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.registry.Unregister(p.pid)
	close(p.done)
}

func (p *execProcess) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := stopProcess(ctx, p.pid, p.pgid, p.grace, p.wait)
	if errors.Is(err, ErrProcessNotFound) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		if file != nil {
			_ = file.Close()
		}
	}
}
