// Command shardfleet-worker is a reference worker: it hosts a simulated
// client on the shards the coordinator assigns and answers fleet requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/script"
	"shardfleet/internal/worker"
)

type workerFlags struct {
	name           string
	guildsPerShard int
	connectDelay   time.Duration
	logLevel       string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shardfleet-worker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := workerFlags{}
	cmd := &cobra.Command{
		Use:           "shardfleet-worker",
		Short:         "Run one fleet cluster with a simulated client",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, ok := logging.ParseLevel(flags.logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", flags.logLevel)
			}
			logger := logging.NewLogger(logging.NewLogBuffer(logging.DefaultBufferSize), level)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return worker.Main(ctx, newClientFactory(flags), logger, registerOps)
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "shardfleet", "bot username reported in properties")
	cmd.Flags().IntVar(&flags.guildsPerShard, "guilds-per-shard", 100, "simulated guilds on each shard")
	cmd.Flags().DurationVar(&flags.connectDelay, "connect-delay", 250*time.Millisecond, "simulated time to connect one shard")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warning or error")
	return cmd
}

func newClientFactory(flags workerFlags) worker.ClientFactory {
	return func(params ipc.Params) (worker.Client, error) {
		if flags.guildsPerShard < 0 {
			return nil, fmt.Errorf("guilds-per-shard must be >= 0, got %d", flags.guildsPerShard)
		}
		client := worker.NewSimulatedClient(flags.name, flags.guildsPerShard)
		client.ConnectDelay = flags.connectDelay
		client.Extra = map[string]any{
			"pid": os.Getpid(),
		}
		return client, nil
	}
}

// registerOps exposes named operations other clusters can call with
// script.Op.
func registerOps(evaluator *script.Evaluator) {
	evaluator.Register("shard_ids", func(ctx context.Context, client map[string]any, arg any) (any, error) {
		ws, _ := client["ws"].(map[string]any)
		return ws["shards"], nil
	})
	evaluator.Register("echo", func(ctx context.Context, client map[string]any, arg any) (any, error) {
		return arg, nil
	})
	evaluator.Register("memory", func(ctx context.Context, client map[string]any, arg any) (any, error) {
		return map[string]any{"goroutines": runtime.NumGoroutine()}, nil
	})
}
