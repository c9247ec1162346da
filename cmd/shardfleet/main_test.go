package main

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"shardfleet/internal/config"
	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/process"
	"shardfleet/internal/shardalloc"
	"shardfleet/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lockedBuffer is written by loggers on several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type staticGateway int

func (g staticGateway) RecommendedShards(ctx context.Context) (int, error) {
	return int(g), nil
}

type testEnv struct {
	deps     commandDeps
	stdout   *lockedBuffer
	stderr   *lockedBuffer
	signals  chan os.Signal
	launcher *worker.InProcLauncher
}

func newTestEnv(env map[string]string) *testEnv {
	te := &testEnv{
		stdout:  &lockedBuffer{},
		stderr:  &lockedBuffer{},
		signals: make(chan os.Signal, 2),
		launcher: &worker.InProcLauncher{
			NewClient: func(params ipc.Params) (worker.Client, error) {
				return worker.NewSimulatedClient("clibot", 5), nil
			},
		},
	}
	te.deps = commandDeps{
		Stdout: te.stdout,
		Stderr: te.stderr,
		Lookup: func(key string) (string, bool) {
			value, ok := env[key]
			return value, ok
		},
		Signals: func() (<-chan os.Signal, func()) {
			return te.signals, func() {}
		},
		NewLauncher: func(*process.Registry, *logging.Logger) process.Launcher {
			return te.launcher
		},
		NewGateway: func(config.Config) shardalloc.GatewayQuerier {
			return staticGateway(3)
		},
		WorkerOutput: &lockedBuffer{},
	}
	return te
}

func (te *testEnv) run(args ...string) int {
	return execute(args, te.deps)
}

func TestUnknownCommandFails(t *testing.T) {
	te := newTestEnv(nil)
	if code := te.run("launch"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !bytes.Contains([]byte(te.stderr.String()), []byte("unknown command")) {
		t.Fatalf("expected unknown command error, got %q", te.stderr.String())
	}
}
