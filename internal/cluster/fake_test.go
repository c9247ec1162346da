package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shardfleet/internal/event"
	"shardfleet/internal/ipc"
	"shardfleet/internal/process"
)

// fakeWorker is the worker side of a fake process.
type fakeWorker struct {
	link *ipc.Link
	proc *fakeProcess
	spec process.Spec
}

type behavior func(w *fakeWorker)

type fakeProcess struct {
	pid  int
	link *ipc.Link
	peer *ipc.Link
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	exitErr error
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Link() *ipc.Link       { return p.link }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		_ = p.peer.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.exit(errors.New("signal: terminated"))
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	behaviors []behavior
	fallback  behavior
	specs     []process.Spec
	procs     []*fakeProcess
	err       error
}

func newFakeLauncher(fallback behavior, first ...behavior) *fakeLauncher {
	return &fakeLauncher{fallback: fallback, behaviors: first}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec process.Spec) (process.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	run := l.fallback
	if len(l.behaviors) > 0 {
		run = l.behaviors[0]
		l.behaviors = l.behaviors[1:]
	}
	coordinator, worker := ipc.Pipe()
	proc := &fakeProcess{
		pid:  1000 + len(l.procs),
		link: coordinator,
		peer: worker,
		done: make(chan struct{}),
	}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, proc)
	go run(&fakeWorker{link: worker, proc: proc, spec: spec})
	return proc, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (w *fakeWorker) send(t *testing.T, kind ipc.Kind, payload any) {
	env, err := ipc.NewEnvelope(kind, payload)
	if err != nil {
		t.Errorf("build %s: %v", kind, err)
		return
	}
	_ = w.link.Send(env)
}

func (w *fakeWorker) reply(env ipc.Envelope, result ipc.Result) {
	kind, _ := env.Kind.ResponseKind()
	resp, err := ipc.NewResponse(kind, env.ID, result)
	if err != nil {
		return
	}
	_ = w.link.Send(resp)
}

// serve sends ready and answers requests with handler until the link closes.
func serve(t *testing.T, handler func(w *fakeWorker, env ipc.Envelope)) behavior {
	return func(w *fakeWorker) {
		w.send(t, ipc.KindReady, nil)
		for {
			env, err := w.link.Receive()
			if err != nil {
				return
			}
			if handler != nil {
				handler(w, env)
			}
		}
	}
}

// silent never reports ready.
func silent(w *fakeWorker) {
	for {
		if _, err := w.link.Receive(); err != nil {
			return
		}
	}
}

func echoValue(w *fakeWorker, env ipc.Envelope) {
	if env.Kind.IsRequest() {
		w.reply(env, ipc.Result{Value: []byte(`"ok"`)})
	}
}

func newTestCluster(t *testing.T, launcher process.Launcher, mutate func(*Options)) *Cluster {
	t.Helper()
	opts := Options{
		ID:            1,
		Shards:        []int{4, 5, 6, 7},
		TotalShards:   8,
		TotalClusters: 2,
		Token:         "token",
		Spec:          process.Spec{Path: "worker", Env: []string{"EXTRA=1"}},
		Launcher:      launcher,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitEvent(t *testing.T, ch <-chan event.ClusterEvent, eventType string) event.ClusterEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", eventType)
			}
			if evt.EventType == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
