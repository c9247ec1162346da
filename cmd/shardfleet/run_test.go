package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startRun(t *testing.T, te *testEnv, args ...string) <-chan int {
	t.Helper()
	done := make(chan int, 1)
	go func() {
		done <- te.run(append([]string{"run"}, args...)...)
	}()
	return done
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("run did not exit")
		return -1
	}
}

func TestRunSpawnsFleetAndStopsOnSignal(t *testing.T) {
	te := newTestEnv(nil)
	done := startRun(t, te,
		"--total-shards=4", "--total-clusters=2", "--spawn-delay=-1",
		"--", "/opt/bot/worker", "--verbose",
	)

	require.Eventually(t, func() bool {
		return len(te.launcher.Running()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(te.stderr.String(), "fleet running")
	}, 5*time.Second, 10*time.Millisecond)

	params := te.launcher.Processes()[1].Util().Params()
	require.Equal(t, 1, params.ClusterID)
	require.Equal(t, []int{2, 3}, params.Shards)

	te.signals <- os.Interrupt
	require.Equal(t, 0, waitExit(t, done), te.stderr.String())
	require.Empty(t, te.launcher.Running())
	require.Contains(t, te.stderr.String(), "shutdown signal received")
	require.Contains(t, te.stderr.String(), "shutdown phase complete")
}

func TestRunRequiresWorkerPath(t *testing.T) {
	te := newTestEnv(nil)
	require.Equal(t, 2, te.run("run", "--total-shards=1"))
	require.Contains(t, te.stderr.String(), "worker path is required")
	require.Empty(t, te.launcher.Processes())
}

func TestRunReportsSpawnFailure(t *testing.T) {
	te := newTestEnv(nil)
	te.launcher.NewClient = nil
	code := te.run("run", "--total-shards=2", "--total-clusters=1", "--worker-path=worker")
	require.Equal(t, 1, code)
	require.Contains(t, te.stderr.String(), "spawn cluster 0")
}

func TestRunRespawnsWhenWorkerChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o755))

	te := newTestEnv(nil)
	done := startRun(t, te,
		"--total-shards=2", "--total-clusters=1", "--spawn-delay=-1",
		"--respawn-delay=-1", "--watch=true", "--watch-debounce=20ms",
		"--worker-path="+path,
	)
	require.Eventually(t, func() bool {
		return len(te.launcher.Running()) == 1 && strings.Contains(te.stderr.String(), "fleet running")
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("v2"), 0o755)
		return len(te.launcher.Processes()) >= 2 && len(te.launcher.Running()) == 1
	}, 5*time.Second, 100*time.Millisecond)

	te.signals <- os.Interrupt
	require.Equal(t, 0, waitExit(t, done), te.stderr.String())
	require.Empty(t, te.launcher.Running())
}
