package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"shardfleet/internal/config"
	"shardfleet/internal/fleet"
	"shardfleet/internal/logging"
	"shardfleet/internal/version"
)

const configFlag = "config"

var flagUsage = map[string]string{
	"total-shards":     `shard count, or "auto" to ask the gateway`,
	"total-clusters":   `cluster count, or "auto" to derive it from the guild count`,
	"cluster-list":     "comma-separated cluster ids this coordinator runs",
	"shard-list":       "comma-separated shard ids to distribute instead of 0..total-shards-1",
	"guilds-per-shard": "guilds one shard is expected to carry",
	"guild-count":      "known guild count, used for auto cluster counts",
	"token":            "bot token passed to workers and used for gateway queries",
	"worker-path":      "worker executable",
	"worker-args":      "space-separated worker arguments",
	"worker-env":       "comma-separated KEY=VALUE pairs added to the worker environment",
	"worker-dir":       "worker working directory",
	"respawn":          "restart workers that die after becoming ready",
	"request-timeout":  "eval and fetch timeout (duration or milliseconds)",
	"spawn-delay":      "wait between consecutive cluster spawns",
	"spawn-timeout":    "how long a worker may take to report ready",
	"respawn-delay":    "wait between stopping and restarting a worker",
	"respawn-interval": "minimum spacing of automatic respawns per cluster",
	"respawn-burst":    "automatic respawns allowed back to back",
	"gateway-url":      "REST base URL for gateway queries",
	"admin-addr":       "listen address for the admin HTTP server",
	"admin-token":      "bearer token required by the admin API",
	"watch":            "respawn the fleet when the worker executable changes",
	"watch-debounce":   "quiet period before a worker change triggers a respawn",
	"log-level":        "debug, info, warning or error",
}

func newRootCommand(deps commandDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "shardfleet",
		Short:         "Coordinate a fleet of sharded bot workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(deps.Stdout)
	root.SetErr(deps.Stderr)
	root.AddCommand(
		newRunCommand(deps),
		newPlanCommand(deps),
		newConfigCommand(deps),
		newVersionCommand(deps),
	)
	return root
}

// addConfigFlags registers --config and one flag per configuration key.
func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(configFlag, "", "fleet file (.toml, .yaml or .json); defaults to $"+config.EnvConfigPath)
	for _, key := range config.Keys() {
		flags.String(key, "", flagUsage[key])
	}
}

// loadConfig resolves configuration from the flags the user actually set.
func loadConfig(cmd *cobra.Command, deps commandDeps) (config.Config, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return config.Config{}, err
	}
	overrides := make(map[string]string)
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		if flag.Name != configFlag {
			overrides[flag.Name] = flag.Value.String()
		}
	})
	return config.Load(config.LoadOptions{
		Path:   path,
		Lookup: deps.Lookup,
		Flags:  overrides,
	})
}

func newRunCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [-- worker-path [worker-args...]]",
		Short: "Spawn the fleet and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, deps)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			if len(args) > 0 {
				cfg.WorkerPath = args[0]
				cfg.WorkerArgs = append([]string(nil), args[1:]...)
				cfg.Sources["worker-path"] = config.SourceFlag
				cfg.Sources["worker-args"] = config.SourceFlag
			}
			if cfg.WorkerPath == "" {
				return &exitError{code: 2, err: fmt.Errorf("worker path is required (--worker-path or -- <path>)")}
			}
			return runFleet(cmd.Context(), cfg, deps)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

type planCluster struct {
	ID     int   `json:"id"`
	Shards []int `json:"shards"`
}

type planOutput struct {
	TotalShards   int           `json:"total_shards"`
	TotalClusters int           `json:"total_clusters"`
	Clusters      []planCluster `json:"clusters"`
}

func newPlanCommand(deps commandDeps) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the shard assignment without starting workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, deps)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			manager := fleet.New(fleet.Options{
				TotalShards:    cfg.TotalShards,
				TotalClusters:  cfg.TotalClusters,
				ClusterList:    cfg.ClusterList,
				ShardList:      cfg.ShardList,
				GuildsPerShard: cfg.GuildsPerShard,
				GuildCount:     cfg.GuildCount,
				Token:          cfg.Token,
				Gateway:        deps.NewGateway(cfg),
			})
			defer manager.Close(context.Background())
			assignment, err := manager.Plan(cmd.Context())
			if err != nil {
				return err
			}

			out := planOutput{
				TotalShards:   assignment.TotalShards,
				TotalClusters: assignment.TotalClusters,
			}
			for _, id := range assignment.Clusters() {
				shards, _ := assignment.ShardsFor(id)
				out.Clusters = append(out.Clusters, planCluster{ID: id, Shards: shards})
			}
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(out)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d shards across %d clusters\n", out.TotalShards, out.TotalClusters)
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "CLUSTER\tSHARDS\tCOUNT")
			for _, c := range out.Clusters {
				fmt.Fprintf(writer, "%d\t%s\t%d\n", c.ID, shardRange(c.Shards), len(c.Shards))
			}
			return writer.Flush()
		},
	}
	addConfigFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the assignment as JSON")
	return cmd
}

func shardRange(shards []int) string {
	switch len(shards) {
	case 0:
		return "-"
	case 1:
		return fmt.Sprint(shards[0])
	default:
		return fmt.Sprintf("%d-%d", shards[0], shards[len(shards)-1])
	}
}

func newConfigCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect fleet configuration",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the fleet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.SchemaJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, deps)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "KEY\tVALUE\tSOURCE")
			for _, key := range config.Keys() {
				value, _ := cfg.Display(key)
				if strings.TrimSpace(value) == "" {
					value = "-"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\n", key, value, cfg.Sources[key])
			}
			if cfg.ConfigPath != "" {
				fmt.Fprintf(writer, "\nfile\t%s\t\n", cfg.ConfigPath)
			}
			return writer.Flush()
		},
	}
	addConfigFlags(show)

	cmd.AddCommand(schema, show)
	return cmd
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetVersionInfo()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newLogger(cfg config.Config, deps commandDeps) *logging.Logger {
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, deps.Stderr)
}
