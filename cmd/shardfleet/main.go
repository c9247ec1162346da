// Command shardfleet runs a fleet of worker processes that together host
// every shard of a chat bot.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"shardfleet/internal/config"
	"shardfleet/internal/gateway"
	"shardfleet/internal/logging"
	"shardfleet/internal/process"
	"shardfleet/internal/shardalloc"
)

func main() {
	os.Exit(execute(os.Args[1:], defaultCommandDeps()))
}

type commandDeps struct {
	Stdout io.Writer
	Stderr io.Writer
	// Lookup reads the environment.
	Lookup func(string) (string, bool)
	// Signals returns the channel shutdown signals arrive on and a function
	// that stops delivery.
	Signals     func() (<-chan os.Signal, func())
	NewLauncher func(registry *process.Registry, logger *logging.Logger) process.Launcher
	NewGateway  func(cfg config.Config) shardalloc.GatewayQuerier
	// WorkerOutput receives worker stdout and stderr. Nil means the
	// coordinator's own streams.
	WorkerOutput io.Writer
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Lookup:  os.LookupEnv,
		Signals: notifySignals,
		NewLauncher: func(registry *process.Registry, logger *logging.Logger) process.Launcher {
			return &process.ExecLauncher{Registry: registry, Logger: logger}
		},
		NewGateway: func(cfg config.Config) shardalloc.GatewayQuerier {
			return gateway.NewClient(cfg.GatewayURL, cfg.Token)
		},
	}
}

func notifySignals() (<-chan os.Signal, func()) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	return signals, func() {
		signal.Stop(signals)
	}
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func execute(args []string, deps commandDeps) int {
	root := newRootCommand(deps)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(deps.Stderr, "shardfleet: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		return 1
	}
	return 0
}
